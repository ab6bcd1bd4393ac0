package message

import (
	"encoding/json"
	"fmt"
)

// Rule selects a subset of connections. A rule is either a literal list of
// connection IDs (IDs is non-nil) or a set of criteria: Or is a union of
// matches, And narrows to the intersection and Not excludes. What a
// criterion matches is up to the resolver that evaluates the rule.
type Rule struct {
	IDs []string
	Or  []string
	And []string
	Not []string
}

// IDList returns a rule that selects exactly the provided connection IDs.
func IDList(ids ...string) *Rule {
	if ids == nil {
		ids = []string{}
	}
	return &Rule{IDs: ids}
}

// IsIDList returns true if the rule is a literal list of connection IDs.
func (r *Rule) IsIDList() bool {
	return r != nil && r.IDs != nil
}

// Value returns the generic representation of the rule, as it is encoded
// on the wire.
func (r *Rule) Value() interface{} {
	if r.IsIDList() {
		return r.IDs
	}
	m := make(map[string]interface{}, 3)
	if len(r.Or) > 0 {
		m["or"] = r.Or
	}
	if len(r.And) > 0 {
		m["and"] = r.And
	}
	if len(r.Not) > 0 {
		m["not"] = r.Not
	}
	return m
}

// Clone returns a deep copy of the rule.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	cp := func(s []string) []string {
		if s == nil {
			return nil
		}
		return append([]string{}, s...)
	}
	return &Rule{IDs: cp(r.IDs), Or: cp(r.Or), And: cp(r.And), Not: cp(r.Not)}
}

// MarshalJSON implements json.Marshaler for Rule.
func (r *Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Value())
}

// UnmarshalJSON implements json.Unmarshaler for Rule.
func (r *Rule) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	rr, err := ParseRule(v)
	if err != nil {
		return err
	}
	if rr == nil {
		*r = Rule{}
		return nil
	}
	*r = *rr
	return nil
}

// ParseRule converts the generic representation of a rule to a Rule. A
// nil value returns a nil rule (select all), a list is a list of IDs and
// an object holds the "or", "and" and "not" criteria.
func ParseRule(v interface{}) (*Rule, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil

	case []string:
		return IDList(v...), nil

	case []interface{}:
		ids, err := toStrings(v)
		if err != nil {
			return nil, err
		}
		return IDList(ids...), nil

	case map[string]interface{}:
		var r Rule
		for k, vv := range v {
			list, err := criteria(vv)
			if err != nil {
				return nil, fmt.Errorf("message: rule field %q: %w", k, err)
			}
			switch k {
			case "or":
				r.Or = list
			case "and":
				r.And = list
			case "not":
				r.Not = list
			default:
				return nil, fmt.Errorf("message: unknown rule field %q", k)
			}
		}
		return &r, nil

	default:
		return nil, fmt.Errorf("message: invalid rule type %T", v)
	}
}

func criteria(v interface{}) ([]string, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []interface{}:
		return toStrings(v)
	default:
		// a single criterion
		s, err := toString(v)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
}

func toStrings(list []interface{}) ([]string, error) {
	res := make([]string, 0, len(list))
	for _, v := range list {
		s, err := toString(v)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func toString(v interface{}) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case bool, float32, float64, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(v), nil
	default:
		return "", fmt.Errorf("invalid criterion type %T", v)
	}
}
