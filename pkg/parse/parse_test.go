package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONDirect(t *testing.T) {
	p := JSON(`{"score": 1, "reason": "ok"}`)
	require.True(t, p.OK())
	m := p.Value.(map[string]any)
	assert.Equal(t, float64(1), m["score"])
}

func TestJSONWithThinkBlock(t *testing.T) {
	p := JSON("<think>let me reason about it</think>\n{\"score\": 0}")
	require.True(t, p.OK())
	assert.Equal(t, "<think>let me reason about it", p.Thought)
	m := p.Value.(map[string]any)
	assert.Equal(t, float64(0), m["score"])
}

func TestJSONFenced(t *testing.T) {
	for _, text := range []string{
		"```json\n{\"a\": 1}\n```",
		"```\n{\"a\": 1}\n```",
		"{\"a\": 1}",
	} {
		p := JSON(text)
		require.True(t, p.OK(), "input %q", text)
		assert.Equal(t, float64(1), p.Value.(map[string]any)["a"])
	}
}

func TestJSONFenceStripEquivalence(t *testing.T) {
	plain := JSON(`{"x": [1, 2, 3]}`)
	fenced := JSON("```json\n{\"x\": [1, 2, 3]}\n```")
	require.True(t, plain.OK())
	require.True(t, fenced.OK())
	assert.Equal(t, plain.Value, fenced.Value)
}

func TestJSONEmbeddedInProse(t *testing.T) {
	p := JSON(`Here is my verdict: {"score": 1, "nested": {"k": "v"}} hope it helps`)
	require.True(t, p.OK())
	m := p.Value.(map[string]any)
	assert.Equal(t, float64(1), m["score"])
}

func TestJSONArray(t *testing.T) {
	p := JSON("the list follows [\n{\"a\": 1},\n{\"a\": 2}\n] done")
	require.True(t, p.OK())
	arr := p.Value.([]any)
	assert.Len(t, arr, 2)
}

func TestJSONFailureNeverPanics(t *testing.T) {
	p := JSON("no structure here at all")
	assert.False(t, p.OK())
	assert.Nil(t, p.Value)
	assert.NotNil(t, p.Err)
}

func TestJSONInto(t *testing.T) {
	var out struct {
		Score  float64 `json:"score"`
		Reason string  `json:"reason"`
	}
	p := JSONInto("```json\n{\"score\": 0.5, \"reason\": \"partial\"}\n```", &out)
	require.True(t, p.OK())
	assert.Equal(t, 0.5, out.Score)
	assert.Equal(t, "partial", out.Reason)
}

func TestJSONList(t *testing.T) {
	list, p := JSONList(`[{"tool_necessity": true}, {"tool_necessity": false}]`)
	require.True(t, p.OK())
	assert.Len(t, list, 2)

	single, p := JSONList(`{"tool_necessity": true}`)
	require.True(t, p.OK())
	assert.Len(t, single, 1)
}

func TestJSONObjects(t *testing.T) {
	objs := JSONObjects("preamble {\"score\": 1} middle {\"score\": 0, \"inner\": {\"x\": 1}} end")
	require.Len(t, objs, 2)
	assert.Equal(t, float64(1), objs[0]["score"])
	assert.Equal(t, float64(0), objs[1]["score"])
}

func TestJSONObjectsPrefersCodeBlock(t *testing.T) {
	objs := JSONObjects("text {\"decoy\": 1}\n```json\n{\"score\": 1}\n```\ntrailer")
	require.Len(t, objs, 1)
	assert.Equal(t, float64(1), objs[0]["score"])
}

func TestNumberTolerance(t *testing.T) {
	m := map[string]any{"a": float64(2), "b": "3.5", "c": true, "d": "junk"}
	n, ok := Number(m, "a")
	assert.True(t, ok)
	assert.Equal(t, 2.0, n)
	n, ok = Number(m, "b")
	assert.True(t, ok)
	assert.Equal(t, 3.5, n)
	n, ok = Number(m, "c")
	assert.True(t, ok)
	assert.Equal(t, 1.0, n)
	_, ok = Number(m, "d")
	assert.False(t, ok)
	_, ok = Number(m, "missing")
	assert.False(t, ok)
}

func TestBoolTolerance(t *testing.T) {
	m := map[string]any{"a": true, "b": float64(0), "c": "yes", "d": "junk"}
	b, ok := Bool(m, "a")
	assert.True(t, ok)
	assert.True(t, b)
	b, ok = Bool(m, "b")
	assert.True(t, ok)
	assert.False(t, b)
	b, ok = Bool(m, "c")
	assert.True(t, ok)
	assert.True(t, b)
	_, ok = Bool(m, "d")
	assert.False(t, ok)
}

func TestXMLField(t *testing.T) {
	assert.Equal(t, "hello", XMLField("<question>hello</question>", "question"))
	assert.Equal(t, "cdata body", XMLField("<q><![CDATA[cdata body]]></q>", "q"))
	assert.Equal(t, "kept", XMLField("<q><!-- drop this -->kept</q>", "q"))
	assert.Equal(t, "", XMLField("<other>x</other>", "q"))
}

func TestVariations(t *testing.T) {
	text := `<response>
<analysis>two variants</analysis>
<variations>
<variation_1><question>q one</question><context>ctx</context><constraints>c</constraints></variation_1>
<variation_2><question>q two</question></variation_2>
</variations>
</response>`
	vars := Variations(text, "diverse")
	require.Len(t, vars, 2)
	assert.Equal(t, "q one", vars[0].Question)
	assert.Equal(t, "ctx", vars[0].Context)
	assert.Equal(t, "diverse", vars[0].Mode)
	assert.Equal(t, 2, vars[1].Index)
}

func TestVariationsBareQuestionFallback(t *testing.T) {
	vars := Variations("<question>only one</question>", "complicate")
	require.Len(t, vars, 1)
	assert.Equal(t, "only one", vars[0].Question)
}

func TestVariationsEmpty(t *testing.T) {
	assert.Nil(t, Variations("", "diverse"))
	assert.Nil(t, Variations("no xml at all", "diverse"))
}

func TestUnwrapTag(t *testing.T) {
	assert.Equal(t, "inner query", UnwrapTag("<query>inner query</query>"))
	assert.Equal(t, "plain", UnwrapTag("plain"))
	assert.Equal(t, "<a>x</b>", UnwrapTag("<a>x</b>"))
}
