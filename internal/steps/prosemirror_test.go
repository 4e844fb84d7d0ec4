package steps

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func apply(t *testing.T, doc string, steps ...string) string {
	t.Helper()
	list := make([]json.RawMessage, len(steps))
	for i, s := range steps {
		list[i] = raw(s)
	}
	out, err := ApplyAll(NewProseMirror(nil), raw(doc), list)
	require.NoError(t, err)
	return string(out)
}

func TestInsertText(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Tes"}]}]}`
	got := apply(t, doc,
		`{"stepType":"replace","from":4,"to":4,"slice":{"content":[{"type":"text","text":"t"}]}}`,
		`{"stepType":"replace","from":5,"to":5,"slice":{"content":[{"type":"text","text":"!"}]}}`,
	)
	assert.JSONEq(t, `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Test!"}]}]}`, got)
}

func TestDeleteText(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hello"}]}]}`
	got := apply(t, doc, `{"stepType":"replace","from":2,"to":4}`)
	assert.JSONEq(t, `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hlo"}]}]}`, got)
}

func TestSplitParagraph(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Test"}]}]}`
	got := apply(t, doc,
		`{"stepType":"replace","from":3,"to":3,"slice":{"content":[{"type":"paragraph"},{"type":"paragraph"}],"openStart":1,"openEnd":1}}`)
	assert.JSONEq(t, `{"type":"doc","content":[
		{"type":"paragraph","content":[{"type":"text","text":"Te"}]},
		{"type":"paragraph","content":[{"type":"text","text":"st"}]}]}`, got)
}

func TestJoinParagraphs(t *testing.T) {
	doc := `{"type":"doc","content":[
		{"type":"paragraph","content":[{"type":"text","text":"ab"}]},
		{"type":"paragraph","content":[{"type":"text","text":"cd"}]}]}`
	got := apply(t, doc, `{"stepType":"replace","from":2,"to":6}`)
	assert.JSONEq(t, `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"ad"}]}]}`, got)
}

func TestInsertAfterHardBreak(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"paragraph","content":[
		{"type":"text","text":"a"},{"type":"hard_break"},{"type":"text","text":"b"}]}]}`
	got := apply(t, doc, `{"stepType":"replace","from":3,"to":3,"slice":{"content":[{"type":"text","text":"x"}]}}`)
	assert.JSONEq(t, `{"type":"doc","content":[{"type":"paragraph","content":[
		{"type":"text","text":"a"},{"type":"hard_break"},{"type":"text","text":"xb"}]}]}`, got)
}

func TestPositionsCountUTF16Units(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"a😀b"}]}]}`
	got := apply(t, doc, `{"stepType":"replace","from":4,"to":4,"slice":{"content":[{"type":"text","text":"x"}]}}`)
	assert.JSONEq(t, `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"a😀xb"}]}]}`, got)
}

func TestAddAndRemoveMark(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hello"}]}]}`

	bold := apply(t, doc, `{"stepType":"addMark","from":2,"to":4,"mark":{"type":"bold"}}`)
	assert.JSONEq(t, `{"type":"doc","content":[{"type":"paragraph","content":[
		{"type":"text","text":"H"},
		{"type":"text","text":"el","marks":[{"type":"bold"}]},
		{"type":"text","text":"lo"}]}]}`, bold)

	plain := apply(t, bold, `{"stepType":"removeMark","from":1,"to":6,"mark":{"type":"bold"}}`)
	assert.JSONEq(t, doc, plain, "adjacent text with equal marks merges back")
}

func TestAddMarkReplacesSameType(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"paragraph","content":[
		{"type":"text","text":"go","marks":[{"type":"link","attrs":{"href":"a"}}]}]}]}`
	got := apply(t, doc, `{"stepType":"addMark","from":1,"to":3,"mark":{"type":"link","attrs":{"href":"b"}}}`)
	assert.JSONEq(t, `{"type":"doc","content":[{"type":"paragraph","content":[
		{"type":"text","text":"go","marks":[{"type":"link","attrs":{"href":"b"}}]}]}]}`, got)
}

func TestWrapInBlockquote(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"ab"}]}]}`
	got := apply(t, doc, `{"stepType":"replaceAround","from":0,"to":4,"gapFrom":0,"gapTo":4,"insert":1,
		"slice":{"content":[{"type":"blockquote"}]},"structure":true}`)
	assert.JSONEq(t, `{"type":"doc","content":[{"type":"blockquote","content":[
		{"type":"paragraph","content":[{"type":"text","text":"ab"}]}]}]}`, got)
}

func TestSetAttr(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"heading","attrs":{"level":1},"content":[{"type":"text","text":"T"}]}]}`
	got := apply(t, doc, `{"stepType":"attr","pos":0,"attr":"level","value":2}`)
	assert.JSONEq(t, `{"type":"doc","content":[{"type":"heading","attrs":{"level":2},"content":[{"type":"text","text":"T"}]}]}`, got)
}

func TestRejectedSteps(t *testing.T) {
	pm := NewProseMirror(nil)
	doc := raw(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"ab"}]}]}`)

	_, err := pm.Apply(doc, raw(`{"stepType":"docAttr","attr":"x","value":1}`))
	assert.ErrorIs(t, err, ErrUnsupportedStep)

	_, err = pm.Apply(doc, raw(`{"stepType":"replace","from":9,"to":9}`))
	assert.ErrorIs(t, err, ErrInvalidStep)

	_, err = pm.Apply(doc, raw(`{"stepType":"replace","from":3,"to":1}`))
	assert.ErrorIs(t, err, ErrInvalidStep)

	_, err = pm.Apply(doc, raw(`not json`))
	assert.ErrorIs(t, err, ErrInvalidStep)

	_, err = pm.Apply(doc, raw(`{"stepType":"addMark","from":1,"to":2}`))
	assert.ErrorIs(t, err, ErrInvalidStep)
}

func TestApplyAllReportsFailingStep(t *testing.T) {
	doc := raw(`{"type":"doc","content":[{"type":"paragraph"}]}`)
	_, err := ApplyAll(NewProseMirror(nil), doc, []json.RawMessage{
		raw(`{"stepType":"replace","from":1,"to":1,"slice":{"content":[{"type":"text","text":"a"}]}}`),
		raw(`{"stepType":"bogus"}`),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1")
	assert.ErrorIs(t, err, ErrUnsupportedStep)
}

func TestOpaque(t *testing.T) {
	doc := raw(`{"anything":true}`)
	out, err := Opaque{}.Apply(doc, raw(`{"stepType":"whatever"}`))
	require.NoError(t, err)
	assert.Equal(t, string(doc), string(out))

	_, err = Opaque{}.Apply(doc, raw(`{`))
	assert.ErrorIs(t, err, ErrInvalidStep)
}

func TestByName(t *testing.T) {
	a, err := ByName("")
	require.NoError(t, err)
	assert.IsType(t, &ProseMirror{}, a)

	a, err = ByName("opaque")
	require.NoError(t, err)
	assert.IsType(t, Opaque{}, a)

	_, err = ByName("nope")
	assert.Error(t, err)
}
