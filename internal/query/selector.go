// Package query implements the typed predicate language used by
// SearchByCriteria.
//
// A Selector is a small tree: leaves compare one whitelisted field path
// against a literal, and interior nodes combine children with and, or, or
// not. Selectors arrive as JSON:
//
//	{"and": [
//	  {"field": "verificationStatus", "op": "eq", "value": "VERIFIED"},
//	  {"field": "specialties.code",   "op": "in", "value": ["207R00000X", "208D00000X"]}
//	]}
//
// Paths through arrays fan out: a leaf matches when any element matches.
package query

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/jmerrifield20/providerledger/internal/ledger/model"
)

// Op is a comparison operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpIn       Op = "in"
	OpContains Op = "contains"
	OpPrefix   Op = "prefix"
	OpExists   Op = "exists"
)

// Limits on selector size.
const (
	MaxDepth   = 8
	MaxNodes   = 64
	MaxInItems = 100
)

// MetadataPrefix addresses individual metadata keys: "metadata.<key>".
const MetadataPrefix = "metadata."

// Fields lists every queryable field path other than metadata keys.
var Fields = map[string]bool{
	"id": true, "did": true, "email": true,
	"firstName": true, "lastName": true, "dateOfBirth": true, "nationality": true,
	"providerType": true, "verificationStatus": true, "status": true,
	"createdAt": true, "updatedAt": true,

	"specialties.id": true, "specialties.code": true, "specialties.name": true, "specialties.primary": true,

	"licenses.id": true, "licenses.number": true, "licenses.type": true,
	"licenses.issuingAuthority": true, "licenses.jurisdiction": true,
	"licenses.issuedDate": true, "licenses.expiryDate": true, "licenses.status": true,

	"educationHistory.id": true, "educationHistory.institution": true, "educationHistory.degree": true,
	"educationHistory.field": true, "educationHistory.graduationDate": true,

	"workExperience.id": true, "workExperience.organization": true, "workExperience.role": true,
	"workExperience.startDate": true, "workExperience.endDate": true,
}

// Selector is one node of a predicate tree. Exactly one of And, Or, Not or
// Field is set.
type Selector struct {
	And   []*Selector `json:"and,omitempty"`
	Or    []*Selector `json:"or,omitempty"`
	Not   *Selector   `json:"not,omitempty"`
	Field string      `json:"field,omitempty"`
	Op    Op          `json:"op,omitempty"`
	Value any         `json:"value,omitempty"`
}

// Eq is shorthand for an equality leaf.
func Eq(field string, value any) *Selector {
	return &Selector{Field: field, Op: OpEq, Value: value}
}

// And combines selectors conjunctively.
func And(sels ...*Selector) *Selector { return &Selector{And: sels} }

// Parse decodes and validates a JSON selector. An empty or null document
// yields a nil selector, which matches everything.
func Parse(raw []byte) (*Selector, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var s Selector
	if err := dec.Decode(&s); err != nil {
		return nil, model.Errorf(model.CodeInvalidSelector, "malformed selector: %v", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the tree shape, field whitelist, operators and literal
// types. It returns an InvalidSelector error.
func (s *Selector) Validate() error {
	nodes := 0
	return s.validate(1, &nodes)
}

func (s *Selector) validate(depth int, nodes *int) error {
	if s == nil {
		return model.Errorf(model.CodeInvalidSelector, "empty selector node")
	}
	*nodes++
	if *nodes > MaxNodes {
		return model.Errorf(model.CodeInvalidSelector, "selector exceeds %d nodes", MaxNodes)
	}
	if depth > MaxDepth {
		return model.Errorf(model.CodeInvalidSelector, "selector exceeds depth %d", MaxDepth)
	}

	kinds := 0
	if s.And != nil {
		kinds++
	}
	if s.Or != nil {
		kinds++
	}
	if s.Not != nil {
		kinds++
	}
	if s.Field != "" {
		kinds++
	}
	if kinds != 1 {
		return model.Errorf(model.CodeInvalidSelector, "a selector node needs exactly one of and, or, not, field")
	}

	switch {
	case s.And != nil || s.Or != nil:
		children := s.And
		if s.Or != nil {
			children = s.Or
		}
		if len(children) == 0 {
			return model.Errorf(model.CodeInvalidSelector, "and/or needs at least one child")
		}
		if s.Op != "" || s.Value != nil {
			return model.Errorf(model.CodeInvalidSelector, "and/or nodes take no op or value")
		}
		for _, c := range children {
			if err := c.validate(depth+1, nodes); err != nil {
				return err
			}
		}
		return nil
	case s.Not != nil:
		if s.Op != "" || s.Value != nil {
			return model.Errorf(model.CodeInvalidSelector, "not nodes take no op or value")
		}
		return s.Not.validate(depth+1, nodes)
	}
	return s.validateLeaf()
}

func (s *Selector) validateLeaf() error {
	if !ValidField(s.Field) {
		return model.Errorf(model.CodeInvalidSelector, "unknown field %q", s.Field)
	}
	switch s.Op {
	case OpEq, OpNe:
		if !scalar(s.Value) {
			return model.Errorf(model.CodeInvalidSelector, "%s on %q needs a string, number or boolean", s.Op, s.Field)
		}
	case OpGt, OpGte, OpLt, OpLte:
		switch s.Value.(type) {
		case string, float64:
		default:
			return model.Errorf(model.CodeInvalidSelector, "%s on %q needs a string or number", s.Op, s.Field)
		}
	case OpContains, OpPrefix:
		if _, ok := s.Value.(string); !ok {
			return model.Errorf(model.CodeInvalidSelector, "%s on %q needs a string", s.Op, s.Field)
		}
	case OpIn:
		items, ok := s.Value.([]any)
		if !ok || len(items) == 0 {
			return model.Errorf(model.CodeInvalidSelector, "in on %q needs a non-empty array", s.Field)
		}
		if len(items) > MaxInItems {
			return model.Errorf(model.CodeInvalidSelector, "in on %q exceeds %d items", s.Field, MaxInItems)
		}
		for _, it := range items {
			if !scalar(it) {
				return model.Errorf(model.CodeInvalidSelector, "in on %q accepts only scalars", s.Field)
			}
		}
	case OpExists:
		if s.Value != nil {
			if _, ok := s.Value.(bool); !ok {
				return model.Errorf(model.CodeInvalidSelector, "exists on %q takes a boolean", s.Field)
			}
		}
	case "":
		return model.Errorf(model.CodeInvalidSelector, "op is required on %q", s.Field)
	default:
		return model.Errorf(model.CodeInvalidSelector, "unknown op %q", s.Op)
	}
	return nil
}

// ValidField reports whether path may appear in a leaf.
func ValidField(path string) bool {
	if Fields[path] {
		return true
	}
	if key, ok := strings.CutPrefix(path, MetadataPrefix); ok {
		return key != "" && len(key) <= model.MaxMetadataKeyLen
	}
	return false
}

// Equality returns the literal string value when s requires field to equal
// it: either s is such a leaf, or s is an and with such a leaf as a direct
// child. The index uses it to narrow candidates.
func Equality(s *Selector, field string) (string, bool) {
	if s == nil {
		return "", false
	}
	if s.Field == field && s.Op == OpEq {
		v, ok := s.Value.(string)
		return v, ok
	}
	for _, c := range s.And {
		if v, ok := Equality(c, field); ok {
			return v, true
		}
	}
	return "", false
}

// FieldsOf returns the distinct field paths referenced by s, sorted.
func FieldsOf(s *Selector) []string {
	seen := map[string]bool{}
	var walk func(*Selector)
	walk = func(n *Selector) {
		if n == nil {
			return
		}
		if n.Field != "" {
			seen[n.Field] = true
		}
		for _, c := range n.And {
			walk(c)
		}
		for _, c := range n.Or {
			walk(c)
		}
		walk(n.Not)
	}
	walk(s)
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func scalar(v any) bool {
	switch v.(type) {
	case string, float64, bool:
		return true
	}
	return false
}
