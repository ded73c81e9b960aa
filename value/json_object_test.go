package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jsonObjectFixture = `{
	"user": {"name": "Ada", "age": 36},
	"tags": ["admin", "beta", "staff"],
	"active": true,
	"score": 4.5,
	"count": 3,
	"note": null
}`

func TestJSONObjectGetAttrScalars(t *testing.T) {
	obj := NewJSONObject([]byte(jsonObjectFixture))

	name, ok := obj.GetAttr("user").GetAttr("name").AsString()
	require.True(t, ok)
	assert.Equal(t, "Ada", name)

	age, ok := obj.GetAttr("user").GetAttr("age").AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(36), age)

	assert.True(t, obj.GetAttr("active").IsTrue())
	assert.True(t, obj.GetAttr("note").IsNone())
}

func TestJSONObjectGetAttrMissingIsUndefined(t *testing.T) {
	obj := NewJSONObject([]byte(jsonObjectFixture))
	assert.True(t, obj.GetAttr("missing").IsUndefined())
}

func TestJSONObjectNestedLookupReturnsScopedJSONObject(t *testing.T) {
	obj := NewJSONObject([]byte(jsonObjectFixture))
	user := obj.GetAttr("user")
	asObj, ok := user.AsObject()
	require.True(t, ok)
	nested, ok := asObj.(*JSONObject)
	require.True(t, ok)
	assert.Equal(t, "user", nested.path)
}

func TestJSONObjectGetItemArrayIndices(t *testing.T) {
	obj := NewJSONObject([]byte(jsonObjectFixture))
	tags := obj.GetAttr("tags")

	first, ok := tags.GetItem(FromInt(0)).AsString()
	require.True(t, ok)
	assert.Equal(t, "admin", first)

	last, ok := tags.GetItem(FromInt(-1)).AsString()
	require.True(t, ok)
	assert.Equal(t, "staff", last, "negative indices address from the end per spec.md 4.A")

	assert.True(t, tags.GetItem(FromInt(99)).IsUndefined())
}

func TestJSONObjectGetItemStringKey(t *testing.T) {
	obj := NewJSONObject([]byte(jsonObjectFixture))
	name, ok := obj.GetItem(FromString("user")).GetItem(FromString("name")).AsString()
	require.True(t, ok)
	assert.Equal(t, "Ada", name)
}

func TestJSONObjectKeysAndRepr(t *testing.T) {
	root := NewJSONObject([]byte(jsonObjectFixture))
	assert.Equal(t, ObjectReprMap, root.ObjectRepr())
	assert.ElementsMatch(t, []string{"user", "tags", "active", "score", "count", "note"}, root.Keys())

	tagsObj, ok := root.GetAttr("tags").AsObject()
	require.True(t, ok)
	tagsJSON := tagsObj.(*JSONObject)
	assert.Equal(t, ObjectReprSeq, tagsJSON.ObjectRepr())
	assert.Nil(t, tagsJSON.Keys(), "arrays report no keys")
}

func TestJSONObjectSeqLenAndItem(t *testing.T) {
	root := NewJSONObject([]byte(jsonObjectFixture))
	tagsObj, ok := root.GetAttr("tags").AsObject()
	require.True(t, ok)
	tags := tagsObj.(*JSONObject)

	assert.Equal(t, 3, tags.SeqLen())
	v, ok := tags.SeqItem(1).AsString()
	require.True(t, ok)
	assert.Equal(t, "beta", v)
	assert.True(t, tags.SeqItem(10).IsUndefined())
}

func TestJSONObjectIntegerVsFloat(t *testing.T) {
	root := NewJSONObject([]byte(jsonObjectFixture))
	count, ok := root.GetAttr("count").AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(3), count)

	score, ok := root.GetAttr("score").AsFloat()
	require.True(t, ok)
	assert.InDelta(t, 4.5, score, 0.0001)
}

func TestJSONObjectObjectString(t *testing.T) {
	root := NewJSONObject([]byte(`{"a": 1}`))
	assert.JSONEq(t, `{"a": 1}`, root.ObjectString())
}

func TestJSONObjectEscapesDottedKeys(t *testing.T) {
	root := NewJSONObject([]byte(`{"a.b": 1}`))
	v, ok := root.GetAttr("a.b").AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(1), v)
}
