package rules

import (
	"fmt"

	"github.com/txguard/txguard/core"
)

// Operators accepted by threshold rules and composite leaves.
var Operators = map[string]struct{}{
	">": {}, ">=": {}, "<": {}, "<=": {}, "==": {}, "!=": {},
}

func compareFloats(op string, left, right float64) (bool, error) {
	switch op {
	case ">":
		return left > right, nil
	case ">=":
		return left >= right, nil
	case "<":
		return left < right, nil
	case "<=":
		return left <= right, nil
	case "==":
		return left == right, nil
	case "!=":
		return left != right, nil
	}
	return false, fmt.Errorf("неизвестный оператор: %s", op)
}

func compareStrings(op string, left, right string) (bool, error) {
	switch op {
	case ">":
		return left > right, nil
	case ">=":
		return left >= right, nil
	case "<":
		return left < right, nil
	case "<=":
		return left <= right, nil
	case "==":
		return left == right, nil
	case "!=":
		return left != right, nil
	}
	return false, fmt.Errorf("неизвестный оператор: %s", op)
}

func boolWord(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// Threshold compares a coerced transaction column against a constant.
// A missing column reads as zero; a non-numeric value is an evaluation error
// and the rule is skipped by the caller.
func Threshold(rec *core.Record, column string, value float64, op string) (bool, string, error) {
	if _, ok := Operators[op]; !ok {
		return false, "", fmt.Errorf("неизвестный оператор: %s", op)
	}
	left, err := rec.Float(column)
	if err != nil {
		return false, "", err
	}
	result, err := compareFloats(op, left, value)
	if err != nil {
		return false, "", err
	}
	reason := fmt.Sprintf("%s %s %s → %s → %s",
		column, op, core.FormatFloat(value), core.FormatFloat(left), boolWord(result))
	return result, reason, nil
}
