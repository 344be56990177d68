// Package security checks multi-agent transactions against the Byzantine
// fault tolerance bar and the deployment's agent policy.
//
// Validation never fails hard: it returns a Report listing errors and
// warnings so callers decide what is acceptable.
package security

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/helm-pay/pkg/agents"
	"github.com/Mindburn-Labs/helm-pay/pkg/consensus"
)

// DefaultMinRequiredAgents is the smallest validator set accepted without error.
const DefaultMinRequiredAgents = 3

// Report is the outcome of a policy validation.
type Report struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (r *Report) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// MaxFaulty is the largest number of faulty participants out of total that a
// Byzantine-tolerant protocol survives: floor((total-1)/3).
func MaxFaulty(total int) int {
	if total < 1 {
		return 0
	}
	return (total - 1) / 3
}

// ValidateByzantineTolerance reports whether faulty ≤ floor((total-1)/3).
func ValidateByzantineTolerance(total, faulty int) bool {
	return faulty <= MaxFaulty(total)
}

// Policy validates transactions.
type Policy struct {
	minAgents  int
	minVersion *semver.Constraints
	versionReq string
	registry   agents.Registry
	rules      []compiledRule
	logger     *slog.Logger
}

// Option configures a Policy.
type Option func(*Policy) error

// WithMinRequiredAgents sets the minimum validator count.
func WithMinRequiredAgents(n int) Option {
	return func(p *Policy) error {
		if n < 1 {
			return fmt.Errorf("min required agents must be positive, got %d", n)
		}
		p.minAgents = n
		return nil
	}
}

// WithRegistry checks participants against the agent registry.
func WithRegistry(r agents.Registry) Option {
	return func(p *Policy) error {
		p.registry = r
		return nil
	}
}

// WithMinAgentVersion requires registered participants to satisfy a semver
// constraint such as ">= 1.2.0".
func WithMinAgentVersion(constraint string) Option {
	return func(p *Policy) error {
		if constraint == "" {
			return nil
		}
		c, err := semver.NewConstraint(constraint)
		if err != nil {
			return fmt.Errorf("agent version constraint %q: %w", constraint, err)
		}
		p.minVersion = c
		p.versionReq = constraint
		return nil
	}
}

// WithRules adds CEL rules evaluated against every transaction.
func WithRules(rules ...Rule) Option {
	return func(p *Policy) error {
		for _, r := range rules {
			cr, err := compileRule(r)
			if err != nil {
				return err
			}
			p.rules = append(p.rules, cr)
		}
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Policy) error {
		p.logger = l
		return nil
	}
}

// NewPolicy builds a policy. Rule compilation errors are returned here, not
// at validation time.
func NewPolicy(opts ...Option) (*Policy, error) {
	p := &Policy{
		minAgents: DefaultMinRequiredAgents,
		logger:    slog.Default().With("component", "security"),
	}
	for _, o := range opts {
		if err := o(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ValidateTransaction checks tx and returns a report. It never returns an error.
func (p *Policy) ValidateTransaction(ctx context.Context, tx *consensus.Transaction) Report {
	report := Report{Errors: []string{}, Warnings: []string{}}

	validators := len(tx.Validators)
	if validators < p.minAgents {
		report.errorf("insufficient validators: transaction %s has %d, at least %d required", tx.ID, validators, p.minAgents)
	}

	total := validators + 1
	maxFaulty := MaxFaulty(total)
	if bft := total - maxFaulty; tx.RequiredVotes < bft {
		report.warnf("weak Byzantine margin: transaction %s requires %d votes, %d of %d participants tolerate %d faulty",
			tx.ID, tx.RequiredVotes, bft, total, maxFaulty)
	}

	if p.registry != nil {
		p.checkParticipant(ctx, &report, tx.InitiatorAgentID, agents.RoleInitiator)
		for _, v := range tx.Validators {
			p.checkParticipant(ctx, &report, v, agents.RoleValidator)
		}
	}

	p.evaluateRules(&report, tx)

	report.Valid = len(report.Errors) == 0
	if !report.Valid {
		p.logger.InfoContext(ctx, "transaction failed security validation",
			"transaction_id", tx.ID, "errors", len(report.Errors), "warnings", len(report.Warnings))
	}
	return report
}

func (p *Policy) checkParticipant(ctx context.Context, report *Report, agentID string, role agents.Role) {
	if agentID == "" {
		return
	}
	rec, ok, err := p.registry.Lookup(ctx, agentID)
	if err != nil {
		report.errorf("agent %s could not be checked: %v", agentID, err)
		return
	}
	if !ok {
		report.errorf("agent %s is not registered", agentID)
		return
	}
	if !rec.Active {
		report.errorf("agent %s is inactive", agentID)
	}
	if rec.Role != role {
		report.warnf("agent %s is registered as %s, acting as %s", agentID, rec.Role, role)
	}
	if p.minVersion == nil {
		return
	}
	v, declared := rec.SemVer()
	switch {
	case !declared:
		report.warnf("agent %s declares no version, cannot check %s", agentID, p.versionReq)
	case !p.minVersion.Check(v):
		report.errorf("agent %s version %s does not satisfy %s", agentID, rec.Version, p.versionReq)
	}
}
