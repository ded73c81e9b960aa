// Package kestrel provides a Jinja2-compatible template engine for Go.
//
// kestrel is a lexer/parser/compiler/VM pipeline for the MiniJinja dialect
// of Jinja2, providing a powerful and flexible templating system compatible
// with the Jinja2 template language.
//
// # Quick Start
//
// Basic usage:
//
//	env := kestrel.NewEnvironment()
//	env.AddTemplate("hello", "Hello {{ name }}!")
//	tmpl, _ := env.GetTemplate("hello")
//	result, _ := tmpl.Render(map[string]any{"name": "World"})
//	fmt.Println(result) // Output: Hello World!
//
// # Template Syntax
//
// For comprehensive documentation about the template syntax, including all
// available tags, filters, tests, and expressions, see the online
// documentation; delimiter and whitespace settings are documented on
// lexer.SyntaxConfig and lexer.WhitespaceConfig.
//
// Key syntax elements:
//   - Variables: {{ variable }}
//   - Blocks: {% if condition %}...{% endif %}
//   - Comments: {# comment #}
//   - Filters: {{ value|filter }}
//   - Tests: {% if value is test %}
//
// # Environment Configuration
//
// The Environment is the central configuration object:
//
//	env := kestrel.NewEnvironment()
//
//	// Add templates
//	env.AddTemplate("base.html", baseTemplate)
//
//	// Configure auto-escaping
//	env.SetAutoEscapeFunc(func(name string) kestrel.AutoEscape {
//	    if strings.HasSuffix(name, ".html") {
//	        return kestrel.AutoEscapeHTML
//	    }
//	    return kestrel.AutoEscapeNone
//	})
//
//	// Add custom filters
//	env.AddFilter("reverse", FilterReverse)
//
//	// Add custom functions
//	env.AddFunction("range", FunctionRange)
//
//	// Configure whitespace handling
//	env.SetWhitespace(lexer.WhitespaceConfig{TrimBlocks: true, LstripBlocks: true})
//
// # Custom Filters and Functions
//
// Filters transform values in templates:
//
//	func MyFilter(state *kestrel.State, value kestrel.Value, args []kestrel.Value, kwargs map[string]kestrel.Value) (kestrel.Value, error) {
//	    // Transform value
//	    return kestrel.FromString("transformed"), nil
//	}
//	env.AddFilter("myfilter", MyFilter)
//	// In template: {{ value|myfilter }}
//
// Functions can be called from templates:
//
//	func MyFunction(state *kestrel.State, args []kestrel.Value, kwargs map[string]kestrel.Value) (kestrel.Value, error) {
//	    // Process arguments
//	    return kestrel.FromString("result"), nil
//	}
//	env.AddFunction("myfunc", MyFunction)
//	// In template: {{ myfunc(arg1, arg2, key=value) }}
//
// # Error Handling
//
// Template errors provide detailed information:
//
//	tmpl, err := env.GetTemplate("example.html")
//	if err != nil {
//	    if e, ok := err.(*kestrel.Error); ok {
//	        fmt.Printf("Error in %s at line %d: %s\n",
//	            e.Name, e.Span.StartLine, e.Message)
//	    }
//	}
//
// # Value System
//
// The Value type represents dynamically-typed template values:
//
//	// Create values
//	str := kestrel.FromString("hello")
//	num := kestrel.FromInt(42)
//	list := kestrel.FromSlice([]kestrel.Value{str, num})
//	dict := kestrel.FromMap(map[string]kestrel.Value{
//	    "name": str,
//	    "age": num,
//	})
//
//	// Type checking
//	if str.Kind() == kestrel.KindString {
//	    if s, ok := str.AsString(); ok {
//	        fmt.Println(s)
//	    }
//	}
//
// # Template Inheritance
//
// Templates support inheritance via extends and blocks:
//
// Base template (base.html):
//
//	<!DOCTYPE html>
//	<html>
//	{% block head %}
//	  <title>{% block title %}{% endblock %}</title>
//	{% endblock %}
//	<body>
//	  {% block body %}{% endblock %}
//	</body>
//	</html>
//
// Child template:
//
//	{% extends "base.html" %}
//	{% block title %}My Page{% endblock %}
//	{% block body %}
//	  <h1>Hello, World!</h1>
//	{% endblock %}
//
// # Macros
//
// Macros allow reusable template components:
//
//	{% macro render_user(user) %}
//	  <div class="user">
//	    <h3>{{ user.name }}</h3>
//	    <p>{{ user.email }}</p>
//	  </div>
//	{% endmacro %}
//
//	{% for user in users %}
//	  {{ render_user(user) }}
//	{% endfor %}
//
// # See Also
//
//   - environment.go: Environment configuration
//   - defaults.go: Built-in filters, tests, and functions
//   - tests.go: Additional built-in tests
//   - value package: Dynamic value system
package kestrel

// Re-export commonly used types from subpackages
import (
	"github.com/kestrelml/kestrel/value"
)

// Value is a dynamically typed value in the template engine.
type Value = value.Value

// ValueKind describes the type of a Value.
type ValueKind = value.ValueKind

// Common value kinds
const (
	KindUndefined = value.KindUndefined
	KindNone      = value.KindNone
	KindBool      = value.KindBool
	KindNumber    = value.KindNumber
	KindString    = value.KindString
	KindBytes     = value.KindBytes
	KindSeq       = value.KindSeq
	KindMap       = value.KindMap
)

// Value constructors
var (
	Undefined      = value.Undefined
	None           = value.None
	FromBool       = value.FromBool
	FromInt        = value.FromInt
	FromFloat      = value.FromFloat
	FromString     = value.FromString
	FromSafeString = value.FromSafeString
	FromBytes      = value.FromBytes
	FromSlice      = value.FromSlice
	FromMap        = value.FromMap
	FromAny        = value.FromAny
)

// MergeMaps builds a lazily-merged context Value out of several context
// sources, in precedence order (later sources win on key overlap). Each
// source is converted with FromAny first, so plain maps/structs, an
// already-built Value, and dynamic Objects (e.g. a *JSONObject) can be
// mixed freely in a single call.
//
// This is the mechanism Jinja2's `context! { ..ctx }` syntax exists for on
// the Rust side: a template author wants request-scoped values layered on
// top of environment-wide defaults without the caller pre-flattening them
// into one map.
func MergeMaps(sources ...any) Value {
	vals := make([]value.Value, len(sources))
	for i, s := range sources {
		vals[i] = value.FromAny(s)
	}
	return value.MergeMaps(vals...)
}
