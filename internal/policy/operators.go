package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// match applies op to actual and expected. Errors are wrapped in an
// EvaluationError by the caller.
func (s *Set) match(op Operator, actual interface{}, expected string) (bool, error) {
	got := stringify(actual)
	switch op {
	case OpEqual:
		return got == expected, nil
	case OpNotEqual:
		return got != expected, nil
	case OpContains:
		return strings.Contains(got, expected), nil
	case OpNotContains:
		return !strings.Contains(got, expected), nil
	case OpStartsWith:
		return strings.HasPrefix(got, expected), nil
	case OpEndsWith:
		return strings.HasSuffix(got, expected), nil
	case OpMatchesRegex:
		re, err := s.regex(expected)
		if err != nil {
			return false, err
		}
		return re.MatchString(got), nil
	case OpGreaterThan, OpLessThan:
		a, err := toFloat(actual)
		if err != nil {
			return false, err
		}
		b, err := strconv.ParseFloat(strings.TrimSpace(expected), 64)
		if err != nil {
			return false, fmt.Errorf("%w: %q", ErrNotNumeric, expected)
		}
		if op == OpGreaterThan {
			return a > b, nil
		}
		return a < b, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidOperator, op)
	}
}

func (s *Set) regex(pattern string) (*regexp.Regexp, error) {
	if re, ok := s.regexes[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegex, err)
	}
	return re, nil
}

// stringify renders a decoded JSON value the way policy values are written.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotNumeric, t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrNotNumeric, v)
	}
}
