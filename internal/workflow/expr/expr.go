// Package expr implements the two workflow expression entry points spec
// §4.F defines: resolve(path) for reading a value out of a run's variables
// or prior node outputs, and evaluate(expr) for condition-edge boolean
// tests. The grammar is deliberately tiny — no arithmetic, no function
// calls, no parentheses — so this is a hand-written recursive-descent
// parser rather than a pulled-in expression-language dependency; no such
// library appears anywhere in the example pack (see DESIGN.md).
package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/beammedia/control-plane/internal/store"
)

// undefinedType is resolve's result for a missing path segment — distinct
// from JSON null, per spec §4.F ("missing path segments evaluate to
// undefined, not error").
type undefinedType struct{}

// Undefined is the sentinel resolve returns for unresolvable paths.
var Undefined = undefinedType{}

// Context is the read-only view resolve/evaluate run against: a run's
// mutable variables and the per-node execution records accumulated so far.
type Context struct {
	Variables  map[string]json.RawMessage
	NodeStates map[string]store.NodeState
}

// Resolve implements the `resolve(path)` grammar of spec §4.F.
func Resolve(ctx Context, path string) (interface{}, error) {
	switch {
	case strings.HasPrefix(path, "$var."):
		return resolveVar(ctx, path[len("$var."):])
	case strings.HasPrefix(path, "$node."):
		return resolveNode(ctx, path[len("$node."):])
	case strings.HasPrefix(path, "$literal."):
		return resolveLiteral(path[len("$literal."):])
	default:
		return path, nil
	}
}

func resolveVar(ctx Context, rest string) (interface{}, error) {
	root, ops, err := parseChain(rest)
	if err != nil {
		return nil, fmt.Errorf("resolve $var path: %w", err)
	}

	raw, ok := ctx.Variables[root]
	if !ok {
		return Undefined, nil
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("resolve $var.%s: %w", root, err)
	}
	return applyOps(v, ops), nil
}

func resolveNode(ctx Context, rest string) (interface{}, error) {
	root, ops, err := parseChain(rest)
	if err != nil {
		return nil, fmt.Errorf("resolve $node path: %w", err)
	}

	state, ok := ctx.NodeStates[root]
	if !ok {
		return Undefined, nil
	}

	// Round-trip through JSON to get a generic, path-walkable value rather
	// than reflecting over the NodeState struct by hand.
	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("resolve $node.%s: %w", root, err)
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("resolve $node.%s: %w", root, err)
	}
	return applyOps(v, ops), nil
}

func resolveLiteral(rest string) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(rest), &v); err != nil {
		return nil, fmt.Errorf("resolve $literal: %w", err)
	}
	return v, nil
}

// op is one chain step: a field access (".name") or an index access
// ("[digits]").
type op struct {
	field string
	index int
	isIdx bool
}

// parseChain parses `ident ("." ident | "[" digit+ "]")*` and returns the
// leading ident plus the ops that follow it.
func parseChain(s string) (root string, ops []op, err error) {
	i := 0
	start := i
	for i < len(s) && isIdentByte(s[i]) {
		i++
	}
	if i == start {
		return "", nil, fmt.Errorf("expected identifier at %q", s)
	}
	root = s[start:i]

	for i < len(s) {
		switch s[i] {
		case '.':
			i++
			start := i
			for i < len(s) && isIdentByte(s[i]) {
				i++
			}
			if i == start {
				return "", nil, fmt.Errorf("expected identifier after '.' in %q", s)
			}
			ops = append(ops, op{field: s[start:i]})
		case '[':
			i++
			start := i
			for i < len(s) && s[i] >= '0' && s[i] <= '9' {
				i++
			}
			if i == start {
				return "", nil, fmt.Errorf("expected digits in index in %q", s)
			}
			n, convErr := strconv.Atoi(s[start:i])
			if convErr != nil {
				return "", nil, fmt.Errorf("bad index in %q: %w", s, convErr)
			}
			if i >= len(s) || s[i] != ']' {
				return "", nil, fmt.Errorf("expected ']' in %q", s)
			}
			i++
			ops = append(ops, op{index: n, isIdx: true})
		default:
			return "", nil, fmt.Errorf("unexpected character %q in %q", s[i], s)
		}
	}
	return root, ops, nil
}

func isIdentByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// applyOps walks v following ops, returning Undefined at the first missing
// or type-mismatched step rather than erroring.
func applyOps(v interface{}, ops []op) interface{} {
	cur := v
	for _, o := range ops {
		if o.isIdx {
			arr, ok := cur.([]interface{})
			if !ok || o.index < 0 || o.index >= len(arr) {
				return Undefined
			}
			cur = arr[o.index]
			continue
		}
		m, ok := cur.(map[string]interface{})
		if !ok {
			return Undefined
		}
		next, ok := m[o.field]
		if !ok {
			return Undefined
		}
		cur = next
	}
	return cur
}
