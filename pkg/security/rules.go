package security

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm-pay/pkg/consensus"
)

// Severity of a failed rule.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Rule is a CEL expression over the variable `tx` that must evaluate to true.
//
// tx fields: id, initiator, validators (list), validator_count, required_votes,
// amount_minor, currency, mandate_id.
type Rule struct {
	Name       string   `yaml:"name" json:"name"`
	Expression string   `yaml:"expression" json:"expression"`
	Severity   Severity `yaml:"severity" json:"severity"`
	Message    string   `yaml:"message,omitempty" json:"message,omitempty"`
}

type compiledRule struct {
	Rule
	prg cel.Program
}

var ruleEnv *cel.Env

func init() {
	env, err := cel.NewEnv(cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		panic(fmt.Sprintf("security: CEL environment: %v", err))
	}
	ruleEnv = env
}

func compileRule(r Rule) (compiledRule, error) {
	if r.Name == "" {
		return compiledRule{}, fmt.Errorf("policy rule needs a name")
	}
	switch r.Severity {
	case "":
		r.Severity = SeverityError
	case SeverityError, SeverityWarning:
	default:
		return compiledRule{}, fmt.Errorf("policy rule %s: unknown severity %q", r.Name, r.Severity)
	}

	ast, iss := ruleEnv.Compile(r.Expression)
	if iss != nil && iss.Err() != nil {
		return compiledRule{}, fmt.Errorf("policy rule %s: %w", r.Name, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return compiledRule{}, fmt.Errorf("policy rule %s must evaluate to bool, got %s", r.Name, ast.OutputType())
	}
	prg, err := ruleEnv.Program(ast)
	if err != nil {
		return compiledRule{}, fmt.Errorf("policy rule %s: %w", r.Name, err)
	}
	return compiledRule{Rule: r, prg: prg}, nil
}

func ruleInput(tx *consensus.Transaction) map[string]any {
	return map[string]any{
		"tx": map[string]any{
			"id":              tx.ID,
			"initiator":       tx.InitiatorAgentID,
			"validators":      append([]string(nil), tx.Validators...),
			"validator_count": int64(len(tx.Validators)),
			"required_votes":  int64(tx.RequiredVotes),
			"amount_minor":    tx.Amount.AmountMinor,
			"currency":        tx.Amount.Currency,
			"mandate_id":      tx.MandateID,
		},
	}
}

func (p *Policy) evaluateRules(report *Report, tx *consensus.Transaction) {
	if len(p.rules) == 0 {
		return
	}
	input := ruleInput(tx)
	for _, r := range p.rules {
		out, _, err := r.prg.Eval(input)
		if err != nil {
			report.errorf("rule %s could not be evaluated for transaction %s: %v", r.Name, tx.ID, err)
			continue
		}
		if pass, ok := out.Value().(bool); ok && pass {
			continue
		}
		msg := r.Message
		if msg == "" {
			msg = r.Expression
		}
		if r.Severity == SeverityWarning {
			report.warnf("rule %s: %s", r.Name, msg)
		} else {
			report.errorf("rule %s violated by transaction %s: %s", r.Name, tx.ID, msg)
		}
	}
}
