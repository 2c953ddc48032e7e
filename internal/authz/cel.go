package authz

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/vyrodovalexey/avagate/internal/model"
)

// CELEvaluator evaluates boolean CEL expressions. Compiled programs are
// cached per expression.
type CELEvaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewCELEvaluator creates a CEL evaluator.
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("subject", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("resource", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("environment", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),
		cel.Function("ip_in_range",
			cel.Overload("ip_in_range_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(ipInRangeBinding),
			),
		),
	)
	if err != nil {
		return nil, err
	}
	return &CELEvaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile validates expr and caches its program.
func (c *CELEvaluator) Compile(expr string) error {
	_, err := c.program(expr)
	return err
}

// Evaluate runs the policy expression against input.
func (c *CELEvaluator) Evaluate(_ context.Context, policy *model.PolicyRef, input *Input) (bool, error) {
	prg, err := c.program(policy.Expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"subject":     input.Subject,
		"request":     input.Request,
		"resource":    input.Resource,
		"action":      input.Action,
		"environment": input.Environment,
		"now":         input.Now,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation: %w", err)
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression returned %s, want bool", out.Type().TypeName())
	}
	return allowed, nil
}

func (c *CELEvaluator) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.programs[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	c.mu.Lock()
	c.programs[expr] = prg
	c.mu.Unlock()
	return prg, nil
}

// ipInRangeBinding checks if an IP is in a CIDR range.
func ipInRangeBinding(ip, cidr ref.Val) ref.Val {
	ipStr, ok := ip.Value().(string)
	if !ok {
		return types.False
	}
	cidrStr, ok := cidr.Value().(string)
	if !ok {
		return types.False
	}

	parsedIP := net.ParseIP(ipStr)
	if parsedIP == nil {
		return types.False
	}
	_, network, err := net.ParseCIDR(cidrStr)
	if err != nil {
		return types.False
	}
	return types.Bool(network.Contains(parsedIP))
}
