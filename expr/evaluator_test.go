package expr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	e := NewEvaluator()
	data := map[string]any{
		"order": map[string]any{"id": 42, "customer": "acme"},
	}

	v, err := e.Lookup(data, "$.order.customer")
	require.NoError(t, err)
	assert.Equal(t, "acme", v)

	_, err = e.Lookup(data, "$.order.missing")
	assert.Error(t, err)
}

func TestEvaluateScript(t *testing.T) {
	e := NewEvaluator()

	scenarios := map[string]struct {
		script string
		data   map[string]any
		want   any
	}{
		"arithmetic on data":  {script: "$.a + $.b", data: map[string]any{"a": 2, "b": 3}, want: int64(5)},
		"string concat":       {script: "$.name + '!'", data: map[string]any{"name": "go"}, want: "go!"},
		"no data":             {script: "1 + 1", data: nil, want: int64(2)},
		"boolean comparison":  {script: "$.count > 1", data: map[string]any{"count": 4}, want: true},
	}
	for name, sc := range scenarios {
		t.Run(name, func(t *testing.T) {
			got, err := e.EvaluateScript(sc.script, sc.data)
			require.NoError(t, err)
			assert.Equal(t, sc.want, got)
		})
	}
}

func TestEvaluateScriptObjectResult(t *testing.T) {
	e := NewEvaluator()
	got, err := e.EvaluateScript("({doubled: $.n * 2})", map[string]any{"n": 10})
	require.NoError(t, err)
	out, ok := got.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 20, out["doubled"])
}

func TestEvaluateScriptError(t *testing.T) {
	e := NewEvaluator()
	_, err := e.EvaluateScript("this is not javascript", nil)
	assert.Error(t, err)
}

func TestEvaluateInt(t *testing.T) {
	e := NewEvaluator()

	n, err := e.EvaluateInt("$.count", map[string]any{"count": 7})
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = e.EvaluateInt("'seven'", nil)
	assert.Error(t, err)
}

func TestEvaluateBool(t *testing.T) {
	e := NewEvaluator()

	b, err := e.EvaluateBool("$.open && $.count < 10", map[string]any{"open": true, "count": 3})
	require.NoError(t, err)
	assert.True(t, b)

	_, err = e.EvaluateBool("42", nil)
	assert.Error(t, err)
}

func TestEvaluateDuration(t *testing.T) {
	e := NewEvaluator()

	scenarios := map[string]struct {
		expr string
		data map[string]any
		want time.Duration
	}{
		"go duration string": {expr: "2h30m", want: 2*time.Hour + 30*time.Minute},
		"millisecond script": {expr: "1000 * 60", want: time.Minute},
		"from process data":  {expr: "$.delayMs", data: map[string]any{"delayMs": 500}, want: 500 * time.Millisecond},
	}
	for name, sc := range scenarios {
		t.Run(name, func(t *testing.T) {
			d, err := e.EvaluateDuration(sc.expr, sc.data)
			require.NoError(t, err)
			assert.Equal(t, sc.want, d)
		})
	}

	_, err := e.EvaluateDuration("-5000", nil)
	assert.Error(t, err, "negative durations are rejected")
}

func TestResolveTemplate(t *testing.T) {
	e := NewEvaluator()
	data := map[string]any{"user": map[string]any{"name": "ada"}, "n": 3}

	scenarios := map[string]struct {
		template string
		want     string
	}{
		"single token":     {template: "review for {$.user.name}", want: "review for ada"},
		"multiple tokens":  {template: "{$.user.name} has {$.n} tasks", want: "ada has 3 tasks"},
		"unresolved token": {template: "hello {$.missing}", want: "hello "},
		"no tokens":        {template: "plain text", want: "plain text"},
		"empty":            {template: "", want: ""},
		"non path token":   {template: "brace {literal} kept", want: "brace {literal} kept"},
	}
	for name, sc := range scenarios {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, sc.want, e.ResolveTemplate(data, sc.template))
		})
	}
}

func TestStringify(t *testing.T) {
	scenarios := map[string]struct {
		in   any
		want string
	}{
		"string":           {in: "abc", want: "abc"},
		"integral float":   {in: float64(42), want: "42"},
		"fractional float": {in: 1.5, want: "1.5"},
		"int":              {in: 7, want: "7"},
		"bool":             {in: true, want: "true"},
	}
	for name, sc := range scenarios {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, sc.want, Stringify(sc.in))
		})
	}
}
