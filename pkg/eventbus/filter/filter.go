// Package filter evaluates subscription filter predicates written in CEL.
//
// A predicate sees the event's routing fields and its decoded payload:
//
//	event_type     string
//	event_source   string
//	tenant_id      string
//	company_id     string
//	user_id        string
//	payload        dyn (decoded JSON; null when empty)
//	created_at_ms  int
//	now_ms         int
//
// For example: payload.total > 100 && tenant_id != "sandbox".
package filter

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// Evaluator compiles and caches filter programs.
// It is safe for concurrent use.
type Evaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	progs map[string]cel.Program
}

// NewEvaluator creates an evaluator with the event variables declared.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("event_type", cel.StringType),
		cel.Variable("event_source", cel.StringType),
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("company_id", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("payload", cel.DynType),
		cel.Variable("created_at_ms", cel.IntType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	return &Evaluator{env: env, progs: make(map[string]cel.Program)}, nil
}

// Compile checks expr and caches its program. An empty expression is valid
// and matches everything.
func (e *Evaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	e.mu.RLock()
	prog, ok := e.progs[expr]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile filter %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("filter %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build filter %q: %w", expr, err)
	}

	e.mu.Lock()
	e.progs[expr] = prog
	e.mu.Unlock()
	return prog, nil
}

// Match reports whether evt satisfies expr. An empty expression matches.
// An expression that fails to compile or evaluate, or yields a non-bool,
// does not match.
func (e *Evaluator) Match(expr string, evt *event.Event) bool {
	prog, err := e.program(expr)
	if err != nil {
		return false
	}
	if prog == nil {
		return true
	}

	var payload any
	if len(evt.Payload) > 0 {
		_ = json.Unmarshal(evt.Payload, &payload)
	}
	out, _, err := prog.Eval(map[string]any{
		"event_type":    evt.Type,
		"event_source":  evt.Source,
		"tenant_id":     evt.TenantID,
		"company_id":    evt.CompanyID,
		"user_id":       evt.UserID,
		"payload":       payload,
		"created_at_ms": evt.CreatedAt.UnixMilli(),
		"now_ms":        time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
