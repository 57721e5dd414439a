package retriever

import (
	"strings"
	"sync"

	"github.com/pitchline/pitchline/memory"
)

type (
	// RoutePolicy decides which retrieval branch serves a request.
	RoutePolicy interface {
		// Name identifies the policy in audit metadata.
		Name() string
		// Route inspects the request and picks a branch.
		Route(req memory.QueryRequest) memory.Route
	}

	// KeywordLists holds the phrase lists a KeywordPolicy matches against
	// the intent hint and query text.
	KeywordLists struct {
		// Knowledge phrases select the knowledge branch: entitlements,
		// promotions, commission and fee questions.
		Knowledge []string
		// Strategy phrases select the strategy branch: objection handling,
		// process and deal-advancement questions.
		Strategy []string
	}

	// KeywordPolicy routes by phrase matching, knowledge before strategy,
	// fallback when nothing matches.
	KeywordPolicy struct {
		name  string
		lists KeywordLists
	}

	// PolicyRegistry resolves policy names from requests. Unknown or empty
	// names resolve to the default policy.
	PolicyRegistry struct {
		mu       sync.RWMutex
		policies map[string]RoutePolicy
		fallback RoutePolicy
	}
)

// DefaultPolicyName is the policy used when a request names none.
const DefaultPolicyName = "keyword_zh"

// DefaultKeywordLists returns the built-in Chinese phrase lists.
func DefaultKeywordLists() KeywordLists {
	return KeywordLists{
		Knowledge: []string{
			"权益", "优惠", "促销", "活动", "佣金", "返佣", "费率", "年费",
			"额度", "积分", "产品", "条款",
		},
		Strategy: []string{
			"异议", "拒绝", "顾虑", "话术", "流程", "SOP", "sop", "推进",
			"跟进", "促成", "挽回", "逼单",
		},
	}
}

// NewKeywordPolicy builds a phrase-matching policy. Empty lists fall back
// to the defaults.
func NewKeywordPolicy(name string, lists KeywordLists) *KeywordPolicy {
	def := DefaultKeywordLists()
	if len(lists.Knowledge) == 0 {
		lists.Knowledge = def.Knowledge
	}
	if len(lists.Strategy) == 0 {
		lists.Strategy = def.Strategy
	}
	if name == "" {
		name = DefaultPolicyName
	}
	return &KeywordPolicy{name: name, lists: lists}
}

// Name returns the policy name.
func (p *KeywordPolicy) Name() string { return p.name }

// Route matches the intent hint first, then the query text. Knowledge
// phrases win over strategy phrases.
func (p *KeywordPolicy) Route(req memory.QueryRequest) memory.Route {
	if matchesAny(req.IntentHint, p.lists.Knowledge) || matchesAny(req.Query, p.lists.Knowledge) {
		return memory.RouteKnowledge
	}
	if matchesAny(req.IntentHint, p.lists.Strategy) || matchesAny(req.Query, p.lists.Strategy) {
		return memory.RouteStrategy
	}
	return memory.RouteFallback
}

// KnowledgeIntent reports whether the intent hint itself is a knowledge
// phrase, which enables the domain filter on SQL recall.
func (p *KeywordPolicy) KnowledgeIntent(intent string) bool {
	return matchesAny(intent, p.lists.Knowledge)
}

func matchesAny(text string, phrases []string) bool {
	if text == "" {
		return false
	}
	for _, phrase := range phrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

// NewPolicyRegistry builds a registry with the given default policy.
func NewPolicyRegistry(fallback RoutePolicy) *PolicyRegistry {
	r := &PolicyRegistry{policies: make(map[string]RoutePolicy), fallback: fallback}
	r.policies[fallback.Name()] = fallback
	return r
}

// Register adds or replaces a named policy.
func (r *PolicyRegistry) Register(p RoutePolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.Name()] = p
}

// Lookup resolves the named policy, defaulting when the name is unknown.
func (r *PolicyRegistry) Lookup(name string) RoutePolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[name]; ok {
		return p
	}
	return r.fallback
}
