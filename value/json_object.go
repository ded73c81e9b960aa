package value

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// JSONObject is a dynamic Object (spec.md §3, "Dynamic Object: capability-
// bearing ... attribute lookup, index lookup, length, struct-like key
// enumeration") that answers GetAttr/GetItem against raw JSON bytes via
// gjson path queries, without unmarshalling the document up front. A
// template that only ever reads `payload.user.name` out of a multi-
// megabyte JSON context value pays for exactly that one path lookup, not
// a full decode into Go maps/slices.
//
// Every attribute or index lookup that itself resolves to a JSON object
// or array returns another *JSONObject scoped to that sub-path, so
// laziness is preserved arbitrarily deep into the document.
type JSONObject struct {
	data []byte
	path string // gjson dot-path from the document root; "" addresses the root
}

// NewJSONObject wraps raw JSON bytes as a dynamic Object rooted at the
// document's top level.
func NewJSONObject(data []byte) *JSONObject {
	return &JSONObject{data: data}
}

func (j *JSONObject) result() gjson.Result {
	if j.path == "" {
		return gjson.ParseBytes(j.data)
	}
	return gjson.GetBytes(j.data, j.path)
}

func (j *JSONObject) childPath(segment string) string {
	if j.path == "" {
		return segment
	}
	return j.path + "." + segment
}

// GetAttr implements Object.
func (j *JSONObject) GetAttr(name string) Value {
	return j.lookup(name)
}

// GetItem implements ItemGetter, supporting both string keys (object
// member access) and integer indices (array element access, including
// negative indices per spec.md §4.A).
func (j *JSONObject) GetItem(key Value) Value {
	if s, ok := key.AsString(); ok {
		return j.lookup(s)
	}
	if i, ok := key.AsInt(); ok {
		r := j.result()
		if !r.IsArray() {
			return Undefined()
		}
		items := r.Array()
		idx := int(i)
		if idx < 0 {
			idx += len(items)
		}
		if idx < 0 || idx >= len(items) {
			return Undefined()
		}
		return jsonToValue(items[idx], j.data, j.childPath(strconv.Itoa(idx)))
	}
	return Undefined()
}

func (j *JSONObject) lookup(name string) Value {
	r := j.result()
	if !r.Exists() {
		return Undefined()
	}
	child := r.Get(escapeGjsonPath(name))
	if !child.Exists() {
		return Undefined()
	}
	return jsonToValue(child, j.data, j.childPath(escapeGjsonPath(name)))
}

// ObjectRepr implements ObjectWithRepr.
func (j *JSONObject) ObjectRepr() ObjectRepr {
	r := j.result()
	switch {
	case r.IsArray():
		return ObjectReprSeq
	case r.IsObject():
		return ObjectReprMap
	default:
		return ObjectReprPlain
	}
}

// Keys implements MapObject for JSON objects; arrays and scalars report no keys.
func (j *JSONObject) Keys() []string {
	r := j.result()
	if !r.IsObject() {
		return nil
	}
	var keys []string
	r.ForEach(func(k, _ gjson.Result) bool {
		keys = append(keys, k.String())
		return true
	})
	return keys
}

// SeqLen implements SeqObject for JSON arrays.
func (j *JSONObject) SeqLen() int {
	r := j.result()
	if !r.IsArray() {
		return 0
	}
	return len(r.Array())
}

// SeqItem implements SeqObject for JSON arrays.
func (j *JSONObject) SeqItem(index int) Value {
	r := j.result()
	if !r.IsArray() {
		return Undefined()
	}
	items := r.Array()
	if index < 0 || index >= len(items) {
		return Undefined()
	}
	return jsonToValue(items[index], j.data, j.childPath(strconv.Itoa(index)))
}

// ObjectString implements ObjectWithString.
func (j *JSONObject) ObjectString() string {
	return j.result().Raw
}

func escapeGjsonPath(name string) string {
	if strings.ContainsAny(name, ".*?|#@") {
		return strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`).Replace(name)
	}
	return name
}

func jsonToValue(r gjson.Result, data []byte, path string) Value {
	switch r.Type {
	case gjson.Null:
		return None()
	case gjson.False:
		return FromBool(false)
	case gjson.True:
		return FromBool(true)
	case gjson.Number:
		if isJSONInteger(r.Raw) {
			if iv, err := strconv.ParseInt(r.Raw, 10, 64); err == nil {
				return FromInt(iv)
			}
		}
		return FromFloat(r.Num)
	case gjson.String:
		return FromString(r.Str)
	case gjson.JSON:
		if r.IsArray() || r.IsObject() {
			return FromObject(&JSONObject{data: data, path: path})
		}
		return Undefined()
	default:
		return Undefined()
	}
}

func isJSONInteger(raw string) bool {
	return !strings.ContainsAny(raw, ".eE")
}
