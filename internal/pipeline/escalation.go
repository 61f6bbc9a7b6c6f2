package pipeline

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/nmxmxh/answerflow/internal/aggregator"
	"github.com/nmxmxh/answerflow/internal/model"
)

// escalationEnv is what an escalation rule can see once aggregation is done.
type escalationEnv struct {
	Confidence float64 `expr:"confidence"`
	Providers  int     `expr:"providers"`
	Failed     int     `expr:"failed"`
	Subject    string  `expr:"subject"`
	Priority   int     `expr:"priority"`
	InputKind  string  `expr:"input_kind"`
	Length     int     `expr:"length"`
}

// EscalationRule sends a question straight to expert review when its
// expression evaluates to true, e.g. `subject == "law" || confidence < 0.4`.
type EscalationRule struct {
	source  string
	program *vm.Program
}

// CompileEscalation compiles rule. An empty rule yields nil, which never matches.
func CompileEscalation(rule string) (*EscalationRule, error) {
	if rule == "" {
		return nil, nil
	}
	program, err := expr.Compile(rule, expr.Env(escalationEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid escalation rule %q: %w", rule, err)
	}
	return &EscalationRule{source: rule, program: program}, nil
}

// String returns the rule source.
func (r *EscalationRule) String() string {
	if r == nil {
		return ""
	}
	return r.source
}

// Match evaluates the rule for q and the aggregation result.
func (r *EscalationRule) Match(q *model.Question, res *aggregator.Result) (bool, error) {
	if r == nil || res == nil {
		return false, nil
	}
	env := escalationEnv{
		Confidence: res.Confidence,
		Providers:  len(res.Sources),
		Failed:     len(res.Failed),
		Subject:    q.Subject,
		Priority:   q.Priority,
		InputKind:  string(q.InputKind),
		Length:     len(res.Text),
	}
	out, err := expr.Run(r.program, env)
	if err != nil {
		return false, err
	}
	matched, _ := out.(bool)
	return matched, nil
}
