package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Condition decides whether a step runs. Only the "simple" language is supported.
type Condition struct {
	Language   string `json:"language,omitempty" yaml:"language,omitempty"`
	Expression string `json:"expression"         yaml:"expression"`
}

// Evaluate resolves the condition against the pipeline context.
//
// Supported expressions:
//
//	true | false
//	artifact.<name>             artifact exists
//	env.<KEY>                   variable is set and non-empty
//	env.<KEY> == <value>
//	env.<KEY> != <value>
func (c *Condition) Evaluate(pctx *PipelineContext) (bool, error) {
	if c == nil {
		return true, nil
	}

	if c.Language != "" && c.Language != "simple" {
		return false, fmt.Errorf("unsupported condition language: %s", c.Language)
	}

	exp := strings.TrimSpace(c.Expression)
	if exp == "" {
		return true, nil
	}

	if result, err := strconv.ParseBool(exp); err == nil {
		return result, nil
	}

	for _, op := range []string{"==", "!="} {
		left, right, found := strings.Cut(exp, op)
		if !found {
			continue
		}

		value, err := c.operand(strings.TrimSpace(left), pctx)
		if err != nil {
			return false, err
		}

		expected := strings.Trim(strings.TrimSpace(right), `"'`)
		if op == "==" {
			return value == expected, nil
		}

		return value != expected, nil
	}

	switch {
	case strings.HasPrefix(exp, "artifact."):
		_, ok := pctx.Artifacts.Get(strings.TrimPrefix(exp, "artifact."))

		return ok, nil
	case strings.HasPrefix(exp, "env."):
		return pctx.Env[strings.TrimPrefix(exp, "env.")] != "", nil
	default:
		return false, fmt.Errorf("cannot evaluate condition %q", exp)
	}
}

func (c *Condition) operand(ref string, pctx *PipelineContext) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env."):
		return pctx.Env[strings.TrimPrefix(ref, "env.")], nil
	case strings.HasPrefix(ref, "artifact."):
		value, ok := pctx.Artifacts.Get(strings.TrimPrefix(ref, "artifact."))
		if !ok {
			return "", nil
		}

		return fmt.Sprint(value), nil
	default:
		return "", fmt.Errorf("unknown condition operand %q", ref)
	}
}
