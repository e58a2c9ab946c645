package workflow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tailored-agentic-units/controlplane/model"
)

// evalCondition evaluates a condition expression against a context map.
// Supported forms:
//
//	<key>                     truthiness of the value at key
//	!<key>                    negated truthiness
//	<key> <op> <literal>      with op in ==, !=, >, >=, <, <=, contains
//
// Literals parse as numbers, booleans, or (optionally quoted) strings.
// A missing key is falsy and compares unequal to everything.
func evalCondition(expr string, ctx model.Context) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	if rest, negated := strings.CutPrefix(expr, "!"); negated {
		if strings.ContainsAny(rest, "=<>") || strings.Contains(rest, " ") {
			return false, fmt.Errorf("cannot combine ! with an operator in %q", expr)
		}
		val, ok := ctx[strings.TrimSpace(rest)]
		return !ok || !truthy(val), nil
	}

	key, op, lit, err := splitCondition(expr)
	if err != nil {
		return false, err
	}

	val, ok := ctx[key]
	if op == "" {
		return ok && truthy(val), nil
	}

	switch op {
	case "==":
		return ok && looseEqual(val, lit), nil
	case "!=":
		return !ok || !looseEqual(val, lit), nil
	case "contains":
		return ok && containsValue(val, lit), nil
	}

	// Ordered comparison needs both sides numeric.
	left, leftOK := asFloat(val)
	right, rightOK := asFloat(lit)
	if !ok || !leftOK || !rightOK {
		return false, nil
	}
	switch op {
	case ">":
		return left > right, nil
	case ">=":
		return left >= right, nil
	case "<":
		return left < right, nil
	case "<=":
		return left <= right, nil
	}
	return false, fmt.Errorf("unknown operator %q in condition %q", op, expr)
}

var conditionOps = []string{">=", "<=", "==", "!=", ">", "<"}

func splitCondition(expr string) (key, op, lit string, err error) {
	if idx := strings.Index(expr, " contains "); idx > 0 {
		return strings.TrimSpace(expr[:idx]), "contains", unquote(expr[idx+len(" contains "):]), nil
	}
	for _, candidate := range conditionOps {
		if idx := strings.Index(expr, candidate); idx > 0 {
			key = strings.TrimSpace(expr[:idx])
			lit = unquote(expr[idx+len(candidate):])
			return key, candidate, lit, nil
		}
	}
	if strings.Contains(expr, " ") {
		return "", "", "", fmt.Errorf("malformed condition %q", expr)
	}
	return expr, "", "", nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && x != "false" && x != "0"
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}

// looseEqual compares a context value against a literal string, numeric
// when both sides parse as numbers.
func looseEqual(v any, lit string) bool {
	if left, ok := asFloat(v); ok {
		if right, ok := asFloat(lit); ok {
			return left == right
		}
	}
	if b, ok := v.(bool); ok {
		if parsed, err := strconv.ParseBool(lit); err == nil {
			return b == parsed
		}
	}
	return fmt.Sprintf("%v", v) == lit
}

func containsValue(v any, lit string) bool {
	switch x := v.(type) {
	case string:
		return strings.Contains(x, lit)
	case []any:
		for _, item := range x {
			if fmt.Sprintf("%v", item) == lit {
				return true
			}
		}
	case []string:
		for _, item := range x {
			if item == lit {
				return true
			}
		}
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
