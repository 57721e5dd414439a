// Package audit records every memory read and write as an append-only
// trail. Records carry digests of the request and response bodies rather
// than the bodies themselves, so the trail stays small and free of raw
// conversation text.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/pitchline/pitchline/memory"
)

// Store appends and reads audit records. Records are immutable.
type Store interface {
	// Append persists the record.
	Append(ctx context.Context, a memory.Audit) error
	// ByRequest returns records for one request ID, oldest first.
	ByRequest(ctx context.Context, tenantID, requestID string) ([]memory.Audit, error)
	// BySession returns up to limit records for one session, newest first.
	BySession(ctx context.Context, tenantID, sessionID string, limit int) ([]memory.Audit, error)
}

// Digest returns a stable content digest of v, formatted as
// "sha256:<hex>". Marshal failures fall back to digesting the error text
// so a record is always written.
func Digest(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte(fmt.Sprintf("marshal error: %v", err))
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}
