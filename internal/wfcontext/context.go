// Package wfcontext implements the per-instance variable bag shared by all
// branches of a running workflow. Values are last-writer-wins; the engine
// serializes its own bookkeeping but workflow designers are expected to use
// disjoint keys in parallel branches.
package wfcontext

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var placeholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// Context is a concurrency-safe map of workflow variables with dotted-path
// reads and ${...} template interpolation.
type Context struct {
	mu   sync.RWMutex
	vars map[string]any
}

// New creates a context seeded with the given initial variables.
func New(initial map[string]any) *Context {
	c := &Context{vars: map[string]any{}}
	if initial != nil {
		c.Merge(initial)
	}
	return c
}

// Set stores a single top-level variable.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[key] = deepCopy(value)
}

// Get resolves a dotted path (a.b.c) against the variable tree.
func (c *Context) Get(path string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lookup(c.vars, path)
}

// GetString resolves a dotted path and stringifies the result; missing paths
// yield the empty string.
func (c *Context) GetString(path string) string {
	v, ok := c.Get(path)
	if !ok || v == nil {
		return ""
	}
	return stringify(v)
}

// Merge deep-merges the given map into the variable tree. Nested maps are
// merged key by key; everything else is replaced.
func (c *Context) Merge(m map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mergeInto(c.vars, m)
}

// Snapshot returns a deep copy of the variable tree.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopy(c.vars).(map[string]any)
}

// Interpolate replaces every ${path} placeholder with the stringified value
// at that dotted path; unresolved paths become the empty string.
func (c *Context) Interpolate(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSpace(m[2 : len(m)-1])
		return c.GetString(path)
	})
}

func lookup(vars map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = vars
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return deepCopy(cur), true
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				mergeInto(dm, sm)
				continue
			}
		}
		dst[k] = deepCopy(v)
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// Trim the trailing .0 the default formatter would add for whole
		// numbers so interpolated ids stay clean.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", v)
	}
}
