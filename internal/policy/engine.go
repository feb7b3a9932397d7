package policy

import (
	"fmt"
	"sync"
	"time"
)

// Engine evaluates connection attempts against loaded rules.
type Engine struct {
	mu            sync.RWMutex
	Rules         []*Rule
	DefaultAction Action
}

// Load replaces the engine rule set atomically.
func (e *Engine) Load(rs *RuleSet) {
	e.mu.Lock()
	e.Rules = rs.Rules
	if e.DefaultAction == "" {
		e.DefaultAction = ActionAccept
	}
	e.mu.Unlock()
}

// LoadFromFile loads rule definitions from an HCL file.
func (e *Engine) LoadFromFile(path string) error {
	rs, err := LoadHCL(path)
	if err != nil {
		return fmt.Errorf("load policy file: %w", err)
	}
	e.Load(rs)
	return nil
}

func (r *Rule) Matches(ctx *PacketCtx) bool {
	if r.Expires != nil && time.Now().UTC().After(*r.Expires) {
		return false
	}
	return r.Expr.Eval(ctx)
}

// EvalRule finds the first matching rule for the packet context.
func (e *Engine) EvalRule(ctx *PacketCtx) *Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := range e.Rules {
		if e.Rules[i].Matches(ctx) {
			return e.Rules[i]
		}
	}
	return nil
}

// Eval returns the action for the packet context. If no rule matches,
// the engine's default action and an empty rule ID are returned.
func (e *Engine) Eval(ctx *PacketCtx) (action Action, ruleID string) {
	if r := e.EvalRule(ctx); r != nil {
		return r.Action, r.ID
	}
	e.mu.RLock()
	def := e.DefaultAction
	e.mu.RUnlock()
	return def, ""
}

// EvalComposite evaluates the packet against a listener-specific engine
// first and then the global engine. The global engine's DefaultAction
// is used when no rule matches. Either engine may be nil.
func EvalComposite(local, global *Engine, ctx *PacketCtx) (action Action, ruleID string, rule *Rule) {
	if local != nil {
		if r := local.EvalRule(ctx); r != nil {
			return r.Action, r.ID, r
		}
	}
	if global != nil {
		if r := global.EvalRule(ctx); r != nil {
			return r.Action, r.ID, r
		}
		global.mu.RLock()
		def := global.DefaultAction
		global.mu.RUnlock()
		return def, "", nil
	}
	if local != nil {
		local.mu.RLock()
		def := local.DefaultAction
		local.mu.RUnlock()
		return def, "", nil
	}
	return ActionAccept, "", nil
}
