package allocation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/reservoir/reservoir/pkg/engine"
)

// Comparison operators accepted in requirement expressions.
var operators = map[string]bool{
	"==": true,
	"=":  true,
	"!=": true,
	">=": true,
	"<=": true,
	">":  true,
	"<":  true,
}

// Predicate is one comparison against a unit attribute.
type Predicate struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value string `json:"value"`
}

// String renders the predicate as "field op value".
func (p Predicate) String() string {
	return fmt.Sprintf("%s %s %s", p.Field, p.Op, p.Value)
}

// Match evaluates the predicate against attrs. Values compare numerically
// when both sides are numbers and lexically otherwise. A missing attribute
// never matches.
func (p Predicate) Match(attrs map[string]string) bool {
	actual, ok := attrs[p.Field]
	if !ok {
		return false
	}

	cmp := strings.Compare(actual, p.Value)
	if a, err := strconv.ParseFloat(actual, 64); err == nil {
		if b, err := strconv.ParseFloat(p.Value, 64); err == nil {
			switch {
			case a < b:
				cmp = -1
			case a > b:
				cmp = 1
			default:
				cmp = 0
			}
		}
	}

	switch p.Op {
	case "==", "=":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	}
	return false
}

// MatchAll reports whether attrs satisfy every predicate.
func MatchAll(predicates []Predicate, attrs map[string]string) bool {
	for _, p := range predicates {
		if !p.Match(attrs) {
			return false
		}
	}
	return true
}

// ParseRequirements parses a requirement expression such as
//
//	["and", [">=", "$memory_mb", "4096"], ["==", "$zone", "east"]]
//
// An empty expression or [] means no constraint.
func ParseRequirements(expr string) ([]Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	var raw []interface{}
	if err := json.Unmarshal([]byte(expr), &raw); err != nil {
		return nil, engine.NewMalformedRequirementsError(expr, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	predicates, err := parseTerm(raw)
	if err != nil {
		return nil, engine.NewMalformedRequirementsError(expr, err)
	}
	return predicates, nil
}

func parseTerm(term []interface{}) ([]Predicate, error) {
	if len(term) == 0 {
		return nil, fmt.Errorf("empty term")
	}
	head, ok := term[0].(string)
	if !ok {
		return nil, fmt.Errorf("term must start with an operator")
	}

	if head == "and" {
		if len(term) < 2 {
			return nil, fmt.Errorf("and needs at least one operand")
		}
		var out []Predicate
		for _, operand := range term[1:] {
			sub, ok := operand.([]interface{})
			if !ok {
				return nil, fmt.Errorf("and operands must be lists")
			}
			preds, err := parseTerm(sub)
			if err != nil {
				return nil, err
			}
			out = append(out, preds...)
		}
		return out, nil
	}

	if !operators[head] {
		return nil, fmt.Errorf("unknown operator %q", head)
	}
	if len(term) != 3 {
		return nil, fmt.Errorf("operator %s takes two operands", head)
	}
	field, ok := term[1].(string)
	if !ok || !strings.HasPrefix(field, "$") || len(field) == 1 {
		return nil, fmt.Errorf("first operand must be a $field reference")
	}
	value, err := literal(term[2])
	if err != nil {
		return nil, err
	}
	return []Predicate{{Field: field[1:], Op: head, Value: value}}, nil
}

func literal(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(val), nil
	default:
		return "", fmt.Errorf("unsupported value %v", v)
	}
}
