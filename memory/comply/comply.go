// Package comply screens candidate responses before they reach the user:
// sensitive-word and PII scanning, prompt-injection detection, guaranteed
// return claims, and rewriting of blocked responses from tenant-specific
// replacement strategies.
package comply

import (
	"context"
	"errors"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/pitchline/pitchline/bus"
	"github.com/pitchline/pitchline/memory"
	"github.com/pitchline/pitchline/memory/audit"
	"github.com/pitchline/pitchline/memory/store"
)

type (
	// Level is the aggregate risk of a candidate response.
	Level string

	// Action tells the caller what to do with the candidate.
	Action string

	// Rules configures the scanner. Zero-value fields fall back to the
	// built-in defaults.
	Rules struct {
		// SensitiveWords flag at WARN severity.
		SensitiveWords []string
		// InjectionPatterns are compiled as regexes and flag at BLOCK
		// severity.
		InjectionPatterns []string
		// GuaranteedReturnWords flag at BLOCK severity.
		GuaranteedReturnWords []string
		// BlockFallback is the safe response used when no replacement
		// strategy matches.
		BlockFallback string
		// WarnMessage replaces the candidate on WARN.
		WarnMessage string
	}

	// Request is one compliance check.
	Request struct {
		TenantID          string            `json:"tenant_id"`
		SessionID         string            `json:"session_id,omitempty"`
		CandidateResponse string            `json:"candidate_response"`
		Citations         []memory.Citation `json:"citations,omitempty"`
	}

	// Result is the check outcome. SafeResponse is set whenever the
	// candidate must not be used as-is.
	Result struct {
		Level        Level    `json:"risk_level"`
		Action       Action   `json:"action"`
		Hits         []string `json:"hits"`
		SafeResponse string   `json:"safe_response,omitempty"`
	}

	// Checker runs compliance checks.
	Checker struct {
		rules      Rules
		injection  []*regexp.Regexp
		strategies store.StrategyStore
		audits     audit.Store
		bus        bus.Bus
		now        func() time.Time
		pick       func(n int) int
	}

	// Options configures the checker.
	Options struct {
		// Rules override the default scan lists.
		Rules Rules
		// Strategies supplies replacement strategies for blocked
		// responses. Required.
		Strategies store.StrategyStore
		// Audits receives one record per check. Required.
		Audits audit.Store
		// Bus carries COMPLIANCE_VIOLATION events. Optional.
		Bus bus.Bus
	}
)

const (
	LevelOK    Level = "OK"
	LevelWarn  Level = "WARN"
	LevelBlock Level = "BLOCK"

	ActionPass    Action = "pass"
	ActionRewrite Action = "rewrite"
)

// Rule IDs recorded in compliance hits.
const (
	RulePIIPhone         = "pii_phone"
	RulePIIEmail         = "pii_email"
	RuleGuaranteedReturn = "guaranteed_return"
	RuleSensitiveWord    = "sensitive_word"
	RulePromptInjection  = "prompt_injection"
)

var (
	phonePattern = regexp.MustCompile(`1[3-9]\d{9}`)
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
)

// DefaultRules returns the built-in scan lists and messages.
func DefaultRules() Rules {
	return Rules{
		SensitiveWords: []string{
			"内幕", "老鼠仓", "操纵市场", "洗钱", "代客理财",
		},
		InjectionPatterns: []string{
			`(?i)ignore\s+(all\s+)?previous\s+instructions`,
			`(?i)system\s*prompt`,
			`忽略(之前|上面|以上)的?(所有)?指令`,
			`你现在是`,
		},
		GuaranteedReturnWords: []string{
			"保证收益", "稳赚", "稳赚不赔", "保本保息", "100%收益", "无风险",
		},
		BlockFallback: "这个问题涉及合规要求，我需要先和团队确认后再给您准确答复。",
		WarnMessage:   "关于这一点，建议您以官方披露的产品说明为准，我再帮您核实细节。",
	}
}

// New validates the options and builds the checker.
func New(opts Options) (*Checker, error) {
	if opts.Strategies == nil {
		return nil, errors.New("strategy store is required")
	}
	if opts.Audits == nil {
		return nil, errors.New("audit store is required")
	}
	rules := opts.Rules
	def := DefaultRules()
	if len(rules.SensitiveWords) == 0 {
		rules.SensitiveWords = def.SensitiveWords
	}
	if len(rules.InjectionPatterns) == 0 {
		rules.InjectionPatterns = def.InjectionPatterns
	}
	if len(rules.GuaranteedReturnWords) == 0 {
		rules.GuaranteedReturnWords = def.GuaranteedReturnWords
	}
	if rules.BlockFallback == "" {
		rules.BlockFallback = def.BlockFallback
	}
	if rules.WarnMessage == "" {
		rules.WarnMessage = def.WarnMessage
	}
	injection := make([]*regexp.Regexp, 0, len(rules.InjectionPatterns))
	for _, p := range rules.InjectionPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.New("invalid injection pattern: " + p)
		}
		injection = append(injection, re)
	}
	return &Checker{
		rules:      rules,
		injection:  injection,
		strategies: opts.Strategies,
		audits:     opts.Audits,
		bus:        opts.Bus,
		now:        func() time.Time { return time.Now().UTC() },
		pick:       rand.Intn,
	}, nil
}

// SetClock overrides the checker clock. Tests only.
func (c *Checker) SetClock(now func() time.Time) { c.now = now }

// Check scans the candidate, rewrites it when blocked or flagged, emits the
// violation event for any non-OK result and always writes an audit record.
func (c *Checker) Check(ctx context.Context, requestID string, req Request) (Result, error) {
	hits, riskTypes, blocked := c.scan(req.CandidateResponse)

	res := Result{Level: LevelOK, Action: ActionPass, Hits: hits}
	switch {
	case blocked:
		res.Level = LevelBlock
		res.Action = ActionRewrite
		res.SafeResponse = c.replacement(ctx, req.TenantID, riskTypes)
	case len(hits) > 0:
		res.Level = LevelWarn
		res.Action = ActionRewrite
		res.SafeResponse = c.rules.WarnMessage
	}

	if res.Level != LevelOK && c.bus != nil {
		msg := bus.Message{
			Type: bus.MessageEvent,
			From: "compliance",
			Payload: map[string]any{
				"event":      "COMPLIANCE_VIOLATION",
				"tenant_id":  req.TenantID,
				"session_id": req.SessionID,
				"risk_level": string(res.Level),
				"hits":       hits,
			},
		}
		if err := c.bus.Publish(ctx, memory.TopicComplianceViolation, msg.WithDefaults()); err != nil {
			log.Errorf(ctx, err, "publish compliance violation")
		}
	}

	output := req.CandidateResponse
	if res.SafeResponse != "" {
		output = res.SafeResponse
	}
	rec := memory.Audit{
		RequestID:      requestID,
		TenantID:       req.TenantID,
		SessionID:      req.SessionID,
		InputDigest:    audit.Digest(req.CandidateResponse),
		Route:          memory.RouteCompliance,
		ComplianceHits: hits,
		OutputDigest:   audit.Digest(output),
		Metadata:       map[string]any{"risk_level": string(res.Level)},
		CreatedAt:      c.now(),
	}
	if err := c.audits.Append(ctx, rec); err != nil {
		log.Errorf(ctx, err, "compliance audit append failed")
	}
	return res, nil
}

// scan returns the rule hits, the distinct risk types and whether any hit
// is block severity.
func (c *Checker) scan(text string) (hits []string, riskTypes []string, blocked bool) {
	seen := make(map[string]bool)
	add := func(rule string, block bool) {
		hits = append(hits, rule)
		if !seen[rule] {
			seen[rule] = true
			riskTypes = append(riskTypes, rule)
		}
		if block {
			blocked = true
		}
	}
	for _, w := range c.rules.SensitiveWords {
		if w != "" && strings.Contains(text, w) {
			add(RuleSensitiveWord+":"+w, false)
		}
	}
	for _, re := range c.injection {
		if re.MatchString(text) {
			add(RulePromptInjection, true)
		}
	}
	for _, w := range c.rules.GuaranteedReturnWords {
		if w != "" && strings.Contains(text, w) {
			add(RuleGuaranteedReturn, true)
		}
	}
	if phonePattern.MatchString(text) {
		add(RulePIIPhone, false)
	}
	if emailPattern.MatchString(text) {
		add(RulePIIEmail, false)
	}
	return hits, dedupeRiskTypes(riskTypes), blocked
}

// replacement looks up a tenant replacement strategy matching any flagged
// risk type and returns one of its scripts at random, falling back to the
// fixed block message.
func (c *Checker) replacement(ctx context.Context, tenantID string, riskTypes []string) string {
	u, err := c.strategies.FindReplacement(ctx, tenantID, riskTypes)
	if err != nil || len(u.Scripts) == 0 {
		return c.rules.BlockFallback
	}
	return u.Scripts[c.pick(len(u.Scripts))]
}

// dedupeRiskTypes strips the word suffix from sensitive-word rules so
// replacement lookup matches on the rule family.
func dedupeRiskTypes(types []string) []string {
	seen := make(map[string]bool, len(types))
	out := make([]string, 0, len(types))
	for _, t := range types {
		base := t
		for i := 0; i < len(t); i++ {
			if t[i] == ':' {
				base = t[:i]
				break
			}
		}
		if !seen[base] {
			seen[base] = true
			out = append(out, base)
		}
	}
	return out
}
