// Package engine authorizes chat commands with an OPA Rego policy.
package engine

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"
)

const decisionQuery = "data.verifybot.commands.decision"

// Decision reasons produced by the default policy.
const (
	ReasonGuildOnly      = "guild_only"
	ReasonDMOnly         = "dm_only"
	ReasonAdminOnly      = "admin_only"
	ReasonUnknownCommand = "unknown_command"
)

//go:embed policies/commands.rego
var defaultPolicy string

// Input describes one command invocation for policy evaluation.
type Input struct {
	Command  string
	ActorID  string
	TargetID string
	InGuild  bool
	IsAdmin  bool
}

// Decision is the policy verdict. Reason is empty when Allow is true.
type Decision struct {
	Allow  bool
	Reason string
}

// CommandPolicy evaluates a prepared Rego query. Safe for concurrent use.
type CommandPolicy struct {
	query rego.PreparedEvalQuery
}

// NewCommandPolicy compiles source, or the embedded default policy when source is empty.
// The module must define data.verifybot.commands.decision.
func NewCommandPolicy(ctx context.Context, source string) (*CommandPolicy, error) {
	if source == "" {
		source = defaultPolicy
	}
	q, err := rego.New(
		rego.Query(decisionQuery),
		rego.Module("commands.rego", source),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile command policy: %w", err)
	}
	return &CommandPolicy{query: q}, nil
}

// LoadCommandPolicy reads the policy at path, falling back to the embedded default when path is empty.
func LoadCommandPolicy(ctx context.Context, path string) (*CommandPolicy, error) {
	if path == "" {
		return NewCommandPolicy(ctx, "")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read command policy: %w", err)
	}
	return NewCommandPolicy(ctx, string(b))
}

// Authorize evaluates in. An evaluation error or a malformed result denies.
func (p *CommandPolicy) Authorize(ctx context.Context, in Input) (Decision, error) {
	rs, err := p.query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"command":   in.Command,
		"in_guild":  in.InGuild,
		"target_id": in.TargetID,
		"actor": map[string]interface{}{
			"id":       in.ActorID,
			"is_admin": in.IsAdmin,
		},
	}))
	if err != nil {
		return Decision{}, fmt.Errorf("eval command policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{}, errors.New("command policy returned no decision")
	}
	obj, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("command policy decision has type %T", rs[0].Expressions[0].Value)
	}
	allow, _ := obj["allow"].(bool)
	reason, _ := obj["reason"].(string)
	return Decision{Allow: allow, Reason: reason}, nil
}

// HealthCheck verifies the prepared policy still evaluates. Returns nil on success.
func (p *CommandPolicy) HealthCheck(ctx context.Context) error {
	_, err := p.Authorize(ctx, Input{Command: "verify", ActorID: "health", InGuild: true})
	return err
}
