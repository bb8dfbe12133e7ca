package gateway

import "slices"

// Action is what the caller should do about a classified error.
type Action int

const (
	// ActionBadGateway is terminal: the failure is reported to the
	// application as an upstream failure.
	ActionBadGateway Action = iota

	// ActionRetry asks the caller to re-issue the request, subject to
	// idempotency and the retry budget.
	ActionRetry
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionBadGateway:
		return "bad_gateway"
	default:
		return "unknown"
	}
}

// Scope restricts a rule to the operations it applies to.
type Scope int

const (
	// ScopeAll applies to every operation, pipelined or not.
	ScopeAll Scope = iota

	// ScopePipeline applies only to pipelined operations.
	ScopePipeline
)

func (s Scope) String() string {
	switch s {
	case ScopeAll:
		return "all"
	case ScopePipeline:
		return "pipeline"
	default:
		return "unknown"
	}
}

// admits reports whether a rule with scope s applies to an operation
// running in scope op.
func (s Scope) admits(op Scope) bool {
	return s == ScopeAll || s == op
}

// Connection is the gateway-owned connection state handed to rule
// callbacks.
type Connection interface {
	// Purge closes the current connections so that the next attempt opens
	// a fresh one.
	Purge()
}

// Rule binds a set of error kinds to an action within a scope.
//
// OnMatch, when set, runs against the active connection before the action
// is reported, which lets a rule discard connection state that the error
// has left unusable.
type Rule struct {
	Kinds   []ErrorKind
	Action  Action
	Scope   Scope
	OnMatch func(Connection)
}

func (r Rule) matches(kind ErrorKind, scope Scope) bool {
	return r.Scope.admits(scope) && slices.Contains(r.Kinds, kind)
}

// PurgeConnection is an OnMatch callback that purges the connection.
func PurgeConnection(conn Connection) {
	conn.Purge()
}

// DefaultRules returns the default rule table, in evaluation order:
//
//  1. pipeline protocol errors: retry, pipeline only, after purging the connection
//  2. pipeline response errors: bad gateway, pipeline only
//  3. timeouts and connection drops: retry
//  4. other HTTP errors, open circuit, rate limited: bad gateway
//
// Each call returns a fresh slice.
func DefaultRules() []Rule {
	return []Rule{
		{
			Kinds:   []ErrorKind{KindPipelineProtocol},
			Action:  ActionRetry,
			Scope:   ScopePipeline,
			OnMatch: PurgeConnection,
		},
		{
			Kinds:  []ErrorKind{KindPipelineResponse},
			Action: ActionBadGateway,
			Scope:  ScopePipeline,
		},
		{
			Kinds:  []ErrorKind{KindTimeout, KindConnection},
			Action: ActionRetry,
			Scope:  ScopeAll,
		},
		{
			Kinds:  []ErrorKind{KindHTTP, KindCircuitOpen, KindRateLimited},
			Action: ActionBadGateway,
			Scope:  ScopeAll,
		},
	}
}

// Classification is the outcome of Classifier.Classify.
type Classification struct {
	Kind   ErrorKind
	Action Action

	// Rule is the index of the matching rule, or -1 when no rule matched.
	Rule int
}

// Matched reports whether a rule matched.
func (c Classification) Matched() bool {
	return c.Rule >= 0
}

// Classifier maps errors to actions using an ordered, immutable rule list.
// The first matching rule wins. Errors that match no rule are classified
// as ActionBadGateway.
//
// A Classifier is safe for concurrent use; rule callbacks must be too.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a Classifier from rules, evaluated in the given
// order. The rules (and their kind sets) are copied.
func NewClassifier(rules ...Rule) *Classifier {
	owned := make([]Rule, len(rules))
	for i, r := range rules {
		r.Kinds = slices.Clone(r.Kinds)
		owned[i] = r
	}
	return &Classifier{rules: owned}
}

// Rules returns a copy of the rule list.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	for i, r := range c.rules {
		r.Kinds = slices.Clone(r.Kinds)
		out[i] = r
	}
	return out
}

// Classify finds the first rule matching the kind of err and the operation
// scope, runs its OnMatch callback against conn (when both are non-nil) and
// returns the resulting action.
func (c *Classifier) Classify(err error, scope Scope, conn Connection) Classification {
	kind := KindOf(err)
	for i, r := range c.rules {
		if !r.matches(kind, scope) {
			continue
		}
		if r.OnMatch != nil && conn != nil {
			r.OnMatch(conn)
		}
		return Classification{Kind: kind, Action: r.Action, Rule: i}
	}
	return Classification{Kind: kind, Action: ActionBadGateway, Rule: -1}
}
