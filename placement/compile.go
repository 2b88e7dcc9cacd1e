package placement

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sharedcode/segstore"
)

// Compile converts a postfix query to a CEL boolean expression over "attrs".
// An empty query compiles to "true".
func Compile(q segstore.Query) (string, error) {
	if q.IsEmpty() {
		return "true", nil
	}
	stack := make([]string, 0, len(q))
	pop := func() (string, bool) {
		if len(stack) == 0 {
			return "", false
		}
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return s, true
	}
	for i, t := range q {
		switch t.Op {
		case segstore.OpKV:
			e, err := kvExpr(t)
			if err != nil {
				return "", err
			}
			stack = append(stack, e)
		case segstore.OpNot:
			a, ok := pop()
			if !ok {
				return "", fmt.Errorf("term %d: NOT on empty stack", i)
			}
			stack = append(stack, "!("+a+")")
		case segstore.OpAnd, segstore.OpOr:
			b, ok1 := pop()
			a, ok2 := pop()
			if !ok1 || !ok2 {
				return "", fmt.Errorf("term %d: binary operator needs two operands", i)
			}
			op := " && "
			if t.Op == segstore.OpOr {
				op = " || "
			}
			stack = append(stack, "("+a+op+b+")")
		default:
			return "", fmt.Errorf("term %d: unknown op %d", i, t.Op)
		}
	}
	if len(stack) != 1 {
		return "", fmt.Errorf("query leaves %d entries on the stack", len(stack))
	}
	return stack[0], nil
}

func valueExpr(x string, t segstore.Term) (string, error) {
	switch t.ValueMatch.Kind() {
	case segstore.Exact:
		return x + " == " + strconv.Quote(t.Value), nil
	case segstore.Prefix:
		return x + ".startsWith(" + strconv.Quote(t.Value) + ")", nil
	case segstore.Any:
		return "true", nil
	}
	return "", fmt.Errorf("unknown value match %d", t.ValueMatch)
}

func kvExpr(t segstore.Term) (string, error) {
	switch t.KeyMatch.Kind() {
	case segstore.Exact:
		k := strconv.Quote(t.Key)
		v, err := valueExpr("attrs["+k+"]", t)
		if err != nil {
			return "", err
		}
		return "(" + k + " in attrs && " + v + ")", nil
	case segstore.Prefix, segstore.Any:
		v, err := valueExpr("attrs[k]", t)
		if err != nil {
			return "", err
		}
		if t.KeyMatch.Kind() == segstore.Any {
			return "attrs.exists(k, " + v + ")", nil
		}
		return "attrs.exists(k, k.startsWith(" + strconv.Quote(t.Key) + ") && " + v + ")", nil
	}
	return "", fmt.Errorf("unknown key match %d", t.KeyMatch)
}

// termValue returns the attribute value a KV term binds to, used by the Unique and PickOne
// modifiers. Prefix and Any keys bind to the first matching key in sorted order.
func termValue(t segstore.Term, attrs map[string]string) (string, bool) {
	if t.KeyMatch.Kind() == segstore.Exact {
		v, ok := attrs[t.Key]
		return v, ok
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		if t.KeyMatch.Kind() == segstore.Any || strings.HasPrefix(k, t.Key) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "", false
	}
	sort.Strings(keys)
	return attrs[keys[0]], true
}

// modifiers tracks Unique and PickOne terms across the slots of one request.
type modifiers struct {
	terms  []segstore.Term
	used   []map[string]bool
	picked []string
}

func newModifiers(q segstore.Query) *modifiers {
	m := &modifiers{}
	for _, t := range q {
		if t.Op == segstore.OpKV && (t.ValueMatch.Has(segstore.Unique) || t.ValueMatch.Has(segstore.PickOne)) {
			m.terms = append(m.terms, t)
			m.used = append(m.used, map[string]bool{})
			m.picked = append(m.picked, "")
		}
	}
	return m
}

func (m *modifiers) allows(attrs map[string]string) bool {
	for i, t := range m.terms {
		v, ok := termValue(t, attrs)
		if !ok {
			continue
		}
		if t.ValueMatch.Has(segstore.Unique) && m.used[i][v] {
			return false
		}
		if t.ValueMatch.Has(segstore.PickOne) && m.picked[i] != "" && m.picked[i] != v {
			return false
		}
	}
	return true
}

func (m *modifiers) consume(attrs map[string]string) {
	for i, t := range m.terms {
		v, ok := termValue(t, attrs)
		if !ok {
			continue
		}
		m.used[i][v] = true
		if m.picked[i] == "" {
			m.picked[i] = v
		}
	}
}
