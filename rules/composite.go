package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/txguard/txguard/core"
)

// Node is one vertex of a composite rule tree: either a leaf comparison
// {column, operator, value} or a logic node {logic, conditions}. The two
// shapes are told apart by the presence of "column", matching the wire
// format.
type Node struct {
	Column   string
	Operator string
	Value    interface{}
	HasValue bool

	Logic      string
	Conditions []*Node

	leaf bool
}

func (n *Node) IsLeaf() bool { return n.leaf }

func (n *Node) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if _, ok := raw["column"]; ok {
		n.leaf = true
		if err := json.Unmarshal(raw["column"], &n.Column); err != nil {
			return err
		}
		if op, ok := raw["operator"]; ok {
			if err := json.Unmarshal(op, &n.Operator); err != nil {
				return err
			}
		}
		if v, ok := raw["value"]; ok {
			n.HasValue = true
			if err := json.Unmarshal(v, &n.Value); err != nil {
				return err
			}
		}
		return nil
	}
	if l, ok := raw["logic"]; ok {
		if err := json.Unmarshal(l, &n.Logic); err != nil {
			return err
		}
	}
	if c, ok := raw["conditions"]; ok {
		if err := json.Unmarshal(c, &n.Conditions); err != nil {
			return err
		}
	}
	return nil
}

// ParseTree decodes a composite rule body.
func ParseTree(raw []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, errors.Wrap(err, "composite rule body")
	}
	return &n, nil
}

// ValidateTree checks a composite tree for the shape constraints enforced on
// rule writes: complete leaves with known operators, logic in {AND, OR, NOT},
// non-empty conditions, NOT with exactly one child.
func ValidateTree(root *Node) error {
	if root == nil {
		return errors.New("поле 'rule' должно быть объектом JSON")
	}
	stack := []*Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.leaf {
			if strings.TrimSpace(n.Column) == "" {
				return errors.New("отсутствует обязательное поле 'column' в листе правила")
			}
			if n.Operator == "" {
				return errors.New("отсутствует обязательное поле 'operator' в листе правила")
			}
			if !n.HasValue {
				return errors.New("отсутствует обязательное поле 'value' в листе правила")
			}
			if _, ok := Operators[n.Operator]; !ok {
				return errors.Errorf("недопустимый оператор '%s' в листе", n.Operator)
			}
			continue
		}
		logic := strings.ToUpper(n.Logic)
		if logic != "AND" && logic != "OR" && logic != "NOT" {
			return errors.Errorf("недопустимый logic: %s", n.Logic)
		}
		if len(n.Conditions) == 0 {
			return errors.New("поле 'conditions' должно быть непустым списком")
		}
		if logic == "NOT" && len(n.Conditions) != 1 {
			return errors.New("оператор 'NOT' должен иметь ровно одно подусловие")
		}
		stack = append(stack, n.Conditions...)
	}
	return nil
}

type compositeFrame struct {
	node    *Node
	next    int
	depth   int
	results []bool
	reasons []string
}

// Composite evaluates a rule tree against a transaction. The walk uses an
// explicit frame stack so pathological trees cannot exhaust goroutine stacks.
// Malformed structure and empty leaf fields evaluate to false with a
// diagnostic reason, never an error.
func Composite(rec *core.Record, root *Node) (bool, string) {
	if root == nil {
		return false, "⚠️ Пустое правило"
	}
	stack := []*compositeFrame{{node: root}}
	var res bool
	var reason string

	deliver := func(r bool, why string) {
		stack = stack[:len(stack)-1]
		if len(stack) == 0 {
			res, reason = r, why
			return
		}
		parent := stack[len(stack)-1]
		parent.results = append(parent.results, r)
		parent.reasons = append(parent.reasons, why)
	}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		if f.node.leaf {
			r, why := evalLeaf(rec, f.node, f.depth)
			deliver(r, why)
			continue
		}
		logic := strings.ToUpper(f.node.Logic)
		if logic == "" {
			logic = "AND"
		}
		indent := strings.Repeat("  ", f.depth)
		if len(f.node.Conditions) == 0 {
			deliver(false, fmt.Sprintf("%s⚠️ Нет подусловий в блоке %s", indent, logic))
			continue
		}
		if f.next < len(f.node.Conditions) {
			child := f.node.Conditions[f.next]
			f.next++
			stack = append(stack, &compositeFrame{node: child, depth: f.depth + 1})
			continue
		}
		var combined bool
		switch logic {
		case "AND":
			combined = true
			for _, r := range f.results {
				combined = combined && r
			}
		case "OR":
			for _, r := range f.results {
				combined = combined || r
			}
		case "NOT":
			if len(f.results) != 1 {
				deliver(false, fmt.Sprintf("%s⚠️ 'NOT' должен иметь одно подусловие", indent))
				continue
			}
			combined = !f.results[0]
		default:
			deliver(false, fmt.Sprintf("%s⚠️ Недопустимый логический оператор %s", indent, logic))
			continue
		}
		deliver(combined, fmt.Sprintf("%s(%s) → %s", logic, strings.Join(f.reasons, "; "), boolWord(combined)))
	}
	return res, reason
}

func evalLeaf(rec *core.Record, n *Node, depth int) (bool, string) {
	indent := strings.Repeat("  ", depth)
	if _, ok := Operators[n.Operator]; !ok {
		return false, fmt.Sprintf("%s⚠️ Неизвестный оператор '%s' для %s", indent, n.Operator, n.Column)
	}
	actual, ok := rec.Field(n.Column)
	if !ok {
		return false, fmt.Sprintf("%s⚠️ Поле '%s' пустое — пропуск", indent, n.Column)
	}

	// Numeric comparison when both sides coerce; string comparison otherwise.
	actualF, errA := strconv.ParseFloat(strings.TrimSpace(actual), 64)
	expectedF, numericExpected := asFloat(n.Value)
	if errA == nil && numericExpected {
		result, err := compareFloats(n.Operator, actualF, expectedF)
		if err != nil {
			return false, fmt.Sprintf("%s⚠️ Ошибка при сравнении '%s': %v", indent, n.Column, err)
		}
		return result, fmt.Sprintf("%s %s %s → %s → %s",
			n.Column, n.Operator, core.FormatFloat(expectedF), core.FormatFloat(actualF), boolWord(result))
	}

	expected := stringifyValue(n.Value)
	result, err := compareStrings(n.Operator, actual, expected)
	if err != nil {
		return false, fmt.Sprintf("%s⚠️ Ошибка при сравнении '%s': %v", indent, n.Column, err)
	}
	return result, fmt.Sprintf("%s %s %s → %s → %s",
		n.Column, n.Operator, expected, actual, boolWord(result))
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case int:
		return float64(t), true
	}
	return 0, false
}

func stringifyValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return core.FormatFloat(t)
	case bool:
		return boolWord(t)
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", v)
}
