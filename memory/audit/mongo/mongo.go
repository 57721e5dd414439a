// Package mongo persists the audit trail to MongoDB for durability across
// restarts.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/pitchline/pitchline/memory"
	"github.com/pitchline/pitchline/memory/audit"
)

// Store is a MongoDB implementation of audit.Store.
type Store struct {
	collection *mongo.Collection
}

var _ audit.Store = (*Store)(nil)

// document is the MongoDB representation of one audit record.
type document struct {
	RequestID      string            `bson:"request_id"`
	TenantID       string            `bson:"tenant_id"`
	UserID         string            `bson:"user_id,omitempty"`
	SessionID      string            `bson:"session_id,omitempty"`
	InputDigest    string            `bson:"input_digest"`
	Route          string            `bson:"route"`
	RetrievedIDs   []string          `bson:"retrieved_ids,omitempty"`
	Citations      []memory.Citation `bson:"citations,omitempty"`
	ComplianceHits []string          `bson:"compliance_hits,omitempty"`
	OutputDigest   string            `bson:"output_digest"`
	Metadata       map[string]any    `bson:"metadata,omitempty"`
	CreatedAt      time.Time         `bson:"created_at"`
}

// New creates the store on the given collection.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// EnsureIndexes creates the lookup indexes the read paths rely on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "request_id", Value: 1}}},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "session_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("mongodb create audit indexes: %w", err)
	}
	return nil
}

// Append inserts the record.
func (s *Store) Append(ctx context.Context, a memory.Audit) error {
	_, err := s.collection.InsertOne(ctx, toDocument(a))
	if err != nil {
		return fmt.Errorf("mongodb append audit %q: %w", a.RequestID, err)
	}
	return nil
}

// ByRequest returns records for the request, oldest first.
func (s *Store) ByRequest(ctx context.Context, tenantID, requestID string) ([]memory.Audit, error) {
	cursor, err := s.collection.Find(ctx,
		bson.M{"tenant_id": tenantID, "request_id": requestID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb audit by request %q: %w", requestID, err)
	}
	return decodeAll(ctx, cursor)
}

// BySession returns up to limit records for the session, newest first.
func (s *Store) BySession(ctx context.Context, tenantID, sessionID string, limit int) ([]memory.Audit, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := s.collection.Find(ctx,
		bson.M{"tenant_id": tenantID, "session_id": sessionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb audit by session %q: %w", sessionID, err)
	}
	return decodeAll(ctx, cursor)
}

func decodeAll(ctx context.Context, cursor *mongo.Cursor) ([]memory.Audit, error) {
	defer func() { _ = cursor.Close(ctx) }()
	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb audit decode: %w", err)
	}
	out := make([]memory.Audit, len(docs))
	for i, doc := range docs {
		out[i] = fromDocument(doc)
	}
	return out, nil
}

func toDocument(a memory.Audit) document {
	return document{
		RequestID:      a.RequestID,
		TenantID:       a.TenantID,
		UserID:         a.UserID,
		SessionID:      a.SessionID,
		InputDigest:    a.InputDigest,
		Route:          string(a.Route),
		RetrievedIDs:   a.RetrievedIDs,
		Citations:      a.Citations,
		ComplianceHits: a.ComplianceHits,
		OutputDigest:   a.OutputDigest,
		Metadata:       a.Metadata,
		CreatedAt:      a.CreatedAt,
	}
}

func fromDocument(d document) memory.Audit {
	return memory.Audit{
		RequestID:      d.RequestID,
		TenantID:       d.TenantID,
		UserID:         d.UserID,
		SessionID:      d.SessionID,
		InputDigest:    d.InputDigest,
		Route:          memory.Route(d.Route),
		RetrievedIDs:   d.RetrievedIDs,
		Citations:      d.Citations,
		ComplianceHits: d.ComplianceHits,
		OutputDigest:   d.OutputDigest,
		Metadata:       d.Metadata,
		CreatedAt:      d.CreatedAt,
	}
}
