package expr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/oliveagle/jsonpath"
)

// Evaluator evaluates the small expression surface the engine needs:
// jsonpath lookups against process data, javascript expressions for loop
// cardinality and conditions, and {token} templates for display names.
type Evaluator struct {
	tokenRe *regexp.Regexp
}

func NewEvaluator() *Evaluator {
	return &Evaluator{
		tokenRe: regexp.MustCompile(`{(.*?)}`),
	}
}

// Lookup resolves a jsonpath expression against the given data.
func (e *Evaluator) Lookup(data map[string]any, path string) (any, error) {
	return jsonpath.JsonPathLookup(data, path)
}

// EvaluateScript runs a javascript expression with $ bound to data and
// returns the exported result.
func (e *Evaluator) EvaluateScript(script string, data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	vm := goja.New()
	if _, err := vm.RunString(fmt.Sprintf("var $ = %s;", encoded)); err != nil {
		return nil, fmt.Errorf("error binding expression data %w", err)
	}
	val, err := vm.RunString(script)
	if err != nil {
		return nil, fmt.Errorf("error evaluating expression %w", err)
	}
	return val.Export(), nil
}

// EvaluateInt evaluates a javascript expression expected to yield an integer,
// e.g. a multi-instance cardinality.
func (e *Evaluator) EvaluateInt(script string, data map[string]any) (int, error) {
	res, err := e.EvaluateScript(script, data)
	if err != nil {
		return 0, err
	}
	switch v := res.(type) {
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("expression %q did not evaluate to a number, got %T", script, res)
	}
}

// EvaluateBool evaluates a javascript condition, e.g. a loop condition.
func (e *Evaluator) EvaluateBool(script string, data map[string]any) (bool, error) {
	res, err := e.EvaluateScript(script, data)
	if err != nil {
		return false, err
	}
	b, ok := res.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to a boolean, got %T", script, res)
	}
	return b, nil
}

// EvaluateDuration evaluates a duration expression. A go duration string
// ("5m", "2h30m") is parsed directly; anything else is evaluated as a
// javascript expression yielding milliseconds.
func (e *Evaluator) EvaluateDuration(exprStr string, data map[string]any) (time.Duration, error) {
	if d, err := time.ParseDuration(exprStr); err == nil {
		return d, nil
	}
	n, err := e.EvaluateInt(exprStr, data)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("duration expression %q evaluated to a negative value", exprStr)
	}
	return time.Duration(n) * time.Millisecond, nil
}

// Stringify renders an evaluated value the way correlation matching compares
// it: integers without a fraction part, everything else via %v.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ResolveTemplate substitutes {$.path} tokens in a template with values
// looked up from data. Tokens that do not resolve are replaced by the empty
// string.
func (e *Evaluator) ResolveTemplate(data map[string]any, template string) string {
	if template == "" {
		return ""
	}
	tokens := e.tokenRe.FindAllString(template, -1)
	out := template
	for _, token := range tokens {
		path := strings.TrimSuffix(strings.TrimPrefix(token, "{"), "}")
		if !strings.HasPrefix(path, "$") {
			continue
		}
		value, err := jsonpath.JsonPathLookup(data, path)
		if err != nil {
			value = ""
		}
		out = strings.ReplaceAll(out, token, fmt.Sprintf("%v", value))
	}
	return out
}
