package segstore

import (
	"fmt"
	"strings"
)

// QueryOp is one postfix operation of a placement query.
type QueryOp int

const (
	// OpKV pushes an attribute match.
	OpKV QueryOp = 1 + iota
	// OpNot negates the top of the stack.
	OpNot
	// OpAnd combines the top two entries.
	OpAnd
	// OpOr combines the top two entries.
	OpOr
)

// Match selects how a key or value is compared. Unique and PickOne may be or'ed onto a value match.
type Match int

const (
	Exact  Match = 1
	Prefix Match = 2
	Any    Match = 3

	// Unique requires every slot of one request to land on a distinct value.
	Unique Match = 64
	// PickOne picks a value for the first slot and reuses it for the remaining ones.
	PickOne Match = 128

	matchMask = 63
)

// Kind strips the modifiers.
func (m Match) Kind() Match { return m & matchMask }

// Has reports whether modifier mod is set.
func (m Match) Has(mod Match) bool { return m&mod != 0 }

func (m Match) String() string {
	var s string
	switch m.Kind() {
	case Exact:
		s = "exact"
	case Prefix:
		s = "prefix"
	case Any:
		s = "any"
	default:
		s = fmt.Sprintf("match(%d)", int(m.Kind()))
	}
	if m.Has(Unique) {
		s += "|unique"
	}
	if m.Has(PickOne) {
		s += "|pickone"
	}
	return s
}

// Term is one postfix entry. Key and Value fields are only used by OpKV.
type Term struct {
	Op         QueryOp `json:"op"`
	Key        string  `json:"key,omitempty"`
	KeyMatch   Match   `json:"key_match,omitempty"`
	Value      string  `json:"value,omitempty"`
	ValueMatch Match   `json:"value_match,omitempty"`
}

// Query is a placement policy in postfix form, e.g. KV(a) KV(b) AND.
// An empty Query matches every location. Builders return new slices so a base query can be shared.
type Query []Term

// NewQuery returns an empty query.
func NewQuery() Query { return Query{} }

func (q Query) push(t Term) Query {
	r := make(Query, len(q), len(q)+1)
	copy(r, q)
	return append(r, t)
}

// KV pushes an attribute match.
func (q Query) KV(key string, keyMatch Match, value string, valueMatch Match) Query {
	return q.push(Term{Op: OpKV, Key: key, KeyMatch: keyMatch, Value: value, ValueMatch: valueMatch})
}

// Not negates the top entry.
func (q Query) Not() Query { return q.push(Term{Op: OpNot}) }

// And combines the top two entries.
func (q Query) And() Query { return q.push(Term{Op: OpAnd}) }

// Or combines the top two entries.
func (q Query) Or() Query { return q.push(Term{Op: OpOr}) }

// IsEmpty reports whether q has no terms.
func (q Query) IsEmpty() bool { return len(q) == 0 }

// Append returns q AND o. Either side may be empty.
func (q Query) Append(o Query) Query {
	switch {
	case o.IsEmpty():
		return q.appendAll(nil)
	case q.IsEmpty():
		return Query{}.appendAll(o)
	}
	return q.appendAll(o).And()
}

func (q Query) appendAll(o Query) Query {
	r := make(Query, 0, len(q)+len(o)+1)
	r = append(r, q...)
	return append(r, o...)
}

// Exclude returns q AND NOT(key == value).
func (q Query) Exclude(key, value string) Query {
	return q.Append(NewQuery().KV(key, Exact, value, Exact).Not())
}

func (q Query) String() string {
	parts := make([]string, 0, len(q))
	for _, t := range q {
		switch t.Op {
		case OpKV:
			parts = append(parts, fmt.Sprintf("KV %s %s %s %s", t.Key, t.KeyMatch, t.Value, t.ValueMatch))
		case OpNot:
			parts = append(parts, "NOT")
		case OpAnd:
			parts = append(parts, "AND")
		case OpOr:
			parts = append(parts, "OR")
		default:
			parts = append(parts, fmt.Sprintf("OP(%d)", int(t.Op)))
		}
	}
	return strings.Join(parts, ", ")
}
