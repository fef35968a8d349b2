package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fluxbpm/engine/internal/wfcontext"
)

var placeholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// EvalCondition evaluates a sequence-flow condition against the instance
// context. Placeholders are resolved first: ${a.b} with a pure dotted path
// becomes the context value; a full expression inside the braces (the common
// "${x > 10}" authoring style) is unwrapped and evaluated with identifiers
// bound to the context. A string that fails to parse falls back to the
// original literal truthiness check ("true", "yes", "1", "approved").
func EvalCondition(cond string, ctx *wfcontext.Context) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return false, nil
	}

	resolved := placeholderRe.ReplaceAllStringFunc(cond, func(m string) string {
		inner := strings.TrimSpace(m[2 : len(m)-1])
		if isPath(inner) {
			if v, ok := ctx.Get(inner); ok {
				return literal(v)
			}
			return "null"
		}
		// Full expression inside the braces; unwrap and let the parser
		// resolve identifiers against the context.
		return "(" + inner + ")"
	})

	v, err := Eval(resolved, ctx.Get)
	if err != nil {
		switch strings.ToLower(resolved) {
		case "true", "yes", "1", "approved":
			return true, nil
		}
		return false, fmt.Errorf("condition %q: %w", cond, err)
	}
	return Truthy(v), nil
}

// ExecScript runs newline-separated `name = expression` statements against a
// snapshot of the context and returns the resulting bindings. Context
// variables are visible as plain identifiers; assignments shadow them. Blank
// lines and #-comments are skipped.
func ExecScript(script string, ctx *wfcontext.Context) (map[string]any, error) {
	bindings := map[string]any{}
	resolve := func(path string) (any, bool) {
		head := path
		if i := strings.IndexByte(path, '.'); i >= 0 {
			head = path[:i]
		}
		if v, ok := bindings[head]; ok {
			if head == path {
				return v, true
			}
			if m, ok := v.(map[string]any); ok {
				return lookupPath(m, path[len(head)+1:])
			}
			return nil, false
		}
		return ctx.Get(path)
	}

	for n, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, rhs, ok := splitAssignment(line)
		if !ok {
			return nil, fmt.Errorf("script line %d: expected `name = expression`", n+1)
		}
		v, err := Eval(rhs, resolve)
		if err != nil {
			return nil, fmt.Errorf("script line %d: %w", n+1, err)
		}
		bindings[name] = v
	}
	return bindings, nil
}

// splitAssignment splits on the first `=` that is not part of a comparison
// operator.
func splitAssignment(line string) (name, rhs string, ok bool) {
	for i := 0; i < len(line); i++ {
		if line[i] != '=' {
			continue
		}
		if i+1 < len(line) && line[i+1] == '=' {
			i++ // skip ==
			continue
		}
		if i > 0 && (line[i-1] == '!' || line[i-1] == '<' || line[i-1] == '>') {
			continue
		}
		name = strings.TrimSpace(line[:i])
		rhs = strings.TrimSpace(line[i+1:])
		if name == "" || rhs == "" || !isPath(name) {
			return "", "", false
		}
		return name, rhs, true
	}
	return "", "", false
}

func lookupPath(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, p := range strings.Split(path, ".") {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func isPath(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isIdentStart(c) || c == '.' || c >= '0' && c <= '9' && i > 0 {
			continue
		}
		return false
	}
	return isIdentStart(s[0])
}

func literal(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		if t {
			return "true"
		}
		return "false"
	case string:
		return strconv.Quote(t)
	}
	if f, ok := numeric(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.Quote(fmt.Sprintf("%v", v))
}
