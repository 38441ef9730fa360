package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnknownAttribute is returned by resolvers when a condition references an
// attribute the pull snapshot does not expose.
var ErrUnknownAttribute = errors.New("unknown pull request attribute")

// ValueKind tags the dynamic type of a resolved attribute.
type ValueKind int

const (
	KindString ValueKind = iota
	KindInt
	KindBool
	KindList
)

// Value is the tagged result of an attribute lookup. Attribute dispatch is an
// explicit switch in the resolver, never reflection.
type Value struct {
	Kind ValueKind
	Str  string
	Int  int
	Bool bool
	List []string
}

// StringValue wraps a string attribute.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// IntValue wraps an integer attribute.
func IntValue(i int) Value { return Value{Kind: KindInt, Int: i} }

// BoolValue wraps a boolean attribute.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// ListValue wraps a list attribute such as labels.
func ListValue(items []string) Value { return Value{Kind: KindList, List: items} }

// AttributeResolver supplies pull request attributes to the matcher.
type AttributeResolver interface {
	// Resolve returns the value for the named attribute, or an error wrapping
	// ErrUnknownAttribute when the attribute does not exist.
	Resolve(name string) (Value, error)
}

type operator string

const (
	opEqual        operator = "="
	opNotEqual     operator = "!="
	opMatch        operator = "~="
	opGreaterEqual operator = ">="
	opLessEqual    operator = "<="
	opGreater      operator = ">"
	opLess         operator = "<"
)

// Condition is one parsed admission condition, e.g. "base=main",
// "-draft", "#approved-reviews>=2", "head~=^feature/".
type Condition struct {
	Attribute string
	Operator  operator
	Operand   string
	Negated   bool
	Length    bool // true for the #attr form: compare list length
	regex     *regexp.Regexp
}

// ordered so two-character operators are tried before their one-character
// prefixes.
var operators = []operator{opNotEqual, opMatch, opGreaterEqual, opLessEqual, opEqual, opGreater, opLess}

// ParseCondition parses one condition expression.
func ParseCondition(expr string) (*Condition, error) {
	cond := &Condition{}
	rest := strings.TrimSpace(expr)
	if rest == "" {
		return nil, fmt.Errorf("empty condition")
	}

	if strings.HasPrefix(rest, "-") {
		cond.Negated = true
		rest = rest[1:]
	}
	if strings.HasPrefix(rest, "#") {
		cond.Length = true
		rest = rest[1:]
	}

	opIdx := -1
	for _, op := range operators {
		i := strings.Index(rest, string(op))
		if i < 0 {
			continue
		}
		if opIdx == -1 || i < opIdx || (i == opIdx && len(op) > len(cond.Operator)) {
			opIdx = i
			cond.Operator = op
		}
	}
	if opIdx == 0 {
		return nil, fmt.Errorf("condition %q: missing attribute", expr)
	}

	if opIdx == -1 {
		// Bare attribute: boolean test, e.g. "-draft" or "merged".
		if cond.Length {
			return nil, fmt.Errorf("condition %q: length form requires a comparison operator", expr)
		}
		cond.Attribute = rest
		return cond, nil
	}

	cond.Attribute = strings.TrimSpace(rest[:opIdx])
	cond.Operand = strings.TrimSpace(rest[opIdx+len(cond.Operator):])
	if cond.Attribute == "" || cond.Operand == "" {
		return nil, fmt.Errorf("condition %q: missing attribute or operand", expr)
	}

	if cond.Operator == opMatch {
		re, err := regexp.Compile(cond.Operand)
		if err != nil {
			return nil, fmt.Errorf("condition %q: invalid regex: %w", expr, err)
		}
		cond.regex = re
	}
	return cond, nil
}

// Match evaluates the condition against a resolver.
func (c *Condition) Match(pull AttributeResolver) (bool, error) {
	value, err := pull.Resolve(c.Attribute)
	if err != nil {
		return false, fmt.Errorf("condition on %q: %w", c.Attribute, err)
	}

	result, err := c.evaluate(value)
	if err != nil {
		return false, err
	}
	if c.Negated {
		result = !result
	}
	return result, nil
}

func (c *Condition) evaluate(value Value) (bool, error) {
	if c.Length {
		if value.Kind != KindList {
			return false, fmt.Errorf("attribute %q is not a list", c.Attribute)
		}
		return compareInts(len(value.List), c.Operator, c.Operand)
	}

	// Bare attribute form: truthiness.
	if c.Operator == "" {
		switch value.Kind {
		case KindBool:
			return value.Bool, nil
		case KindString:
			return value.Str != "", nil
		case KindList:
			return len(value.List) > 0, nil
		case KindInt:
			return value.Int != 0, nil
		}
	}

	switch value.Kind {
	case KindList:
		// Membership semantics: "label=ready" means the list contains "ready".
		switch c.Operator {
		case opEqual:
			return contains(value.List, c.Operand), nil
		case opNotEqual:
			return !contains(value.List, c.Operand), nil
		case opMatch:
			for _, item := range value.List {
				if c.regex.MatchString(item) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, fmt.Errorf("operator %q not supported on list attribute %q", c.Operator, c.Attribute)
	case KindInt:
		return compareInts(value.Int, c.Operator, c.Operand)
	case KindBool:
		operand, err := strconv.ParseBool(c.Operand)
		if err != nil {
			return false, fmt.Errorf("attribute %q: operand %q is not a boolean", c.Attribute, c.Operand)
		}
		switch c.Operator {
		case opEqual:
			return value.Bool == operand, nil
		case opNotEqual:
			return value.Bool != operand, nil
		}
		return false, fmt.Errorf("operator %q not supported on boolean attribute %q", c.Operator, c.Attribute)
	default: // KindString
		switch c.Operator {
		case opEqual:
			return value.Str == c.Operand, nil
		case opNotEqual:
			return value.Str != c.Operand, nil
		case opMatch:
			return c.regex.MatchString(value.Str), nil
		case opGreater, opGreaterEqual, opLess, opLessEqual:
			return false, fmt.Errorf("operator %q not supported on string attribute %q", c.Operator, c.Attribute)
		}
	}
	return false, fmt.Errorf("unsupported operator %q", c.Operator)
}

func compareInts(actual int, op operator, operandStr string) (bool, error) {
	operand, err := strconv.Atoi(operandStr)
	if err != nil {
		return false, fmt.Errorf("operand %q is not an integer", operandStr)
	}
	switch op {
	case opEqual:
		return actual == operand, nil
	case opNotEqual:
		return actual != operand, nil
	case opGreater:
		return actual > operand, nil
	case opGreaterEqual:
		return actual >= operand, nil
	case opLess:
		return actual < operand, nil
	case opLessEqual:
		return actual <= operand, nil
	}
	return false, fmt.Errorf("operator %q not supported on integers", op)
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
