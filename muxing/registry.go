package muxing

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Registry holds the compiled rule table of every workspace. Matching
// reads an immutable snapshot through an atomic pointer and takes no
// lock; rule edits come from the management API, copy the table and
// swap it in.
type Registry struct {
	logger *zap.Logger

	mu     sync.Mutex // serializes writers
	tables atomic.Pointer[map[string][]Rule]
}

// NewRegistry creates an empty rule registry.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{logger: logger.With(zap.String("component", "mux_registry"))}
	r.tables.Store(&map[string][]Rule{})
	return r
}

// SetRules installs the ordered rule list for a workspace, replacing any
// previous table. Every rule is validated first; on error nothing
// changes.
func (r *Registry) SetRules(workspace string, rules []Rule) error {
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.copyTables()
	next[workspace] = append([]Rule(nil), rules...)
	r.tables.Store(&next)

	r.logger.Debug("mux rules installed",
		zap.String("workspace", workspace),
		zap.Int("rules", len(rules)),
	)
	return nil
}

// DeleteRules drops the workspace's table. Unknown workspaces are a
// no-op.
func (r *Registry) DeleteRules(workspace string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.tables.Load()
	if _, ok := cur[workspace]; !ok {
		return
	}
	next := r.copyTables()
	delete(next, workspace)
	r.tables.Store(&next)
}

// Rules returns the workspace's rule list in evaluation order.
func (r *Registry) Rules(workspace string) []Rule {
	cur := *r.tables.Load()
	return append([]Rule(nil), cur[workspace]...)
}

// Workspaces lists the workspaces with installed tables.
func (r *Registry) Workspaces() []string {
	cur := *r.tables.Load()
	out := make([]string, 0, len(cur))
	for name := range cur {
		out = append(out, name)
	}
	return out
}

// Match evaluates the workspace's rules in order and returns the first
// matching route. A workspace with no table or no matching rule yields
// ErrNoRoute.
func (r *Registry) Match(workspace string, sub Subject) (Route, error) {
	cur := *r.tables.Load()
	for i, rule := range cur[workspace] {
		if rule.matches(sub) {
			r.logger.Debug("mux rule matched",
				zap.String("workspace", workspace),
				zap.Int("rule", i),
				zap.String("matcher", string(rule.Matcher)),
				zap.String("endpoint", rule.Route.Endpoint.Name),
				zap.String("model", rule.Route.Model),
			)
			return rule.Route, nil
		}
	}
	return Route{}, ErrNoRoute
}

// copyTables clones the current snapshot. Callers hold mu.
func (r *Registry) copyTables() map[string][]Rule {
	cur := *r.tables.Load()
	next := make(map[string][]Rule, len(cur)+1)
	for ws, rules := range cur {
		next[ws] = rules
	}
	return next
}
