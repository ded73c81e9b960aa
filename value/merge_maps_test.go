package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeMapsSingleSourceIsReturnedUnwrapped(t *testing.T) {
	src := FromMap(map[string]Value{"a": FromInt(1)})
	merged := MergeMaps(src)
	assert.Equal(t, src, merged)
}

func TestMergeMapsLaterSourceWins(t *testing.T) {
	defaults := FromMap(map[string]Value{"plan": FromString("free"), "region": FromString("iad")})
	user := FromMap(map[string]Value{"region": FromString("lhr")})

	merged := MergeMaps(defaults, user)

	plan, _ := merged.GetAttr("plan").AsString()
	region, _ := merged.GetAttr("region").AsString()
	assert.Equal(t, "free", plan, "keys only present in an earlier source still show through")
	assert.Equal(t, "lhr", region, "a later source overrides an earlier one on key overlap")
}

func TestMergeMapsKeysUnionsAllSources(t *testing.T) {
	a := FromMap(map[string]Value{"x": FromInt(1)})
	b := FromMap(map[string]Value{"y": FromInt(2)})
	c := FromMap(map[string]Value{"z": FromInt(3)})

	merged := MergeMaps(a, b, c)
	obj, ok := merged.AsObject()
	require.True(t, ok)
	mapObj, ok := obj.(MapObject)
	require.True(t, ok)

	assert.ElementsMatch(t, []string{"x", "y", "z"}, mapObj.Keys())
}

func TestMergeMapsMissingKeyIsUndefined(t *testing.T) {
	merged := MergeMaps(FromMap(map[string]Value{"a": FromInt(1)}))
	assert.True(t, merged.GetAttr("missing").IsUndefined())
}

func TestMergeMapsForwardsAttrLookupToDynamicObjects(t *testing.T) {
	dyn := &mergeTestObject{attrs: map[string]Value{"now": FromString("later")}}
	merged := MergeMaps(FromObject(dyn), FromMap(map[string]Value{"plan": FromString("free")}))

	now, _ := merged.GetAttr("now").AsString()
	plan, _ := merged.GetAttr("plan").AsString()
	assert.Equal(t, "later", now)
	assert.Equal(t, "free", plan)
}

type mergeTestObject struct {
	attrs map[string]Value
}

func (o *mergeTestObject) ObjectRepr() ObjectRepr { return ObjectReprMap }

func (o *mergeTestObject) Keys() []string {
	keys := make([]string, 0, len(o.attrs))
	for k := range o.attrs {
		keys = append(keys, k)
	}
	return keys
}

func (o *mergeTestObject) GetAttr(name string) Value {
	if v, ok := o.attrs[name]; ok {
		return v
	}
	return Undefined()
}
