// Package rules compiles and executes the declarative JSON templates that
// translate request and response bodies between wire formats.
//
// A template is ordinary JSON. Objects whose keys begin with "$" are
// directives that read from the input document:
//
//	{"$path": "messages.0.content", "$default": ""}
//	{"$each": "messages", "$where": {"path": "role", "not_equals": "system"},
//	 "$do": {"role": {"$path": "role"}, "content": {"$path": "content", "$as": "blocks"}}}
//
// Everything else is copied literally, with nested templates evaluated in
// place.
package rules

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/tidwall/gjson"
)

var directiveKeys = map[string]bool{
	"$path": true, "$literal": true, "$each": true, "$first": true,
	"$do": true, "$where": true, "$default": true, "$optional": true,
	"$enum": true, "$enum_strict": true, "$as": true, "$type": true,
	"$spread": true,
}

var sourceKeys = []string{"$path", "$literal", "$each", "$first"}

var coercions = map[string]bool{
	"text": true, "blocks": true, "array": true, "string": true,
	"number": true, "bool": true, "json": true,
}

var typeNames = map[string]bool{
	"array": true, "object": true, "string": true, "number": true, "bool": true,
}

// Template is a compiled template. It is immutable and safe for concurrent
// use.
type Template struct {
	root node
}

// CompileTemplate parses and checks a template without executing it. name
// prefixes the locations reported in compile errors.
func CompileTemplate(name string, src []byte) (*Template, error) {
	if len(bytes.TrimSpace(src)) == 0 {
		return nil, compileErr(name, "template is empty")
	}
	if !gjson.ValidBytes(src) {
		return nil, compileErr(name, "template is not valid JSON")
	}
	n, err := compileNode(name, gjson.ParseBytes(src))
	if err != nil {
		return nil, err
	}
	return &Template{root: n}, nil
}

func compileErr(at, format string, args ...any) error {
	return &domain.RuleError{Kind: domain.ErrRuleCompile, Path: at, Msg: fmt.Sprintf(format, args...)}
}

func compileNode(at string, v gjson.Result) (node, error) {
	switch {
	case v.IsObject():
		if isDirective(v) {
			return compileDirective(at, v)
		}
		obj := &objectNode{}
		var err error
		v.ForEach(func(k, val gjson.Result) bool {
			var child node
			child, err = compileNode(at+"."+k.String(), val)
			if err != nil {
				return false
			}
			obj.keys = append(obj.keys, k.String())
			obj.vals = append(obj.vals, child)
			return true
		})
		if err != nil {
			return nil, err
		}
		return obj, nil
	case v.IsArray():
		arr := &arrayNode{}
		var err error
		i := 0
		v.ForEach(func(_, val gjson.Result) bool {
			var child node
			child, err = compileNode(fmt.Sprintf("%s[%d]", at, i), val)
			if err != nil {
				return false
			}
			arr.items = append(arr.items, child)
			i++
			return true
		})
		if err != nil {
			return nil, err
		}
		return arr, nil
	default:
		return &literalNode{raw: []byte(v.Raw)}, nil
	}
}

func isDirective(v gjson.Result) bool {
	found := false
	v.ForEach(func(k, _ gjson.Result) bool {
		if strings.HasPrefix(k.String(), "$") {
			found = true
			return false
		}
		return true
	})
	return found
}

func compileDirective(at string, v gjson.Result) (*directive, error) {
	d := &directive{at: at}
	fields := map[string]gjson.Result{}
	var bad []string
	v.ForEach(func(k, val gjson.Result) bool {
		key := k.String()
		if !directiveKeys[key] {
			bad = append(bad, key)
		}
		fields[key] = val
		return true
	})
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, compileErr(at, "unknown directive key %s", strings.Join(bad, ", "))
	}

	var sources []string
	for _, k := range sourceKeys {
		if _, ok := fields[k]; ok {
			sources = append(sources, k)
		}
	}
	if len(sources) != 1 {
		return nil, compileErr(at, "directive needs exactly one of %s, got %d", strings.Join(sourceKeys, ", "), len(sources))
	}

	switch sources[0] {
	case "$path":
		p, err := compilePathField(at, "$path", fields["$path"])
		if err != nil {
			return nil, err
		}
		d.kind = sourcePathKind
		d.path = p
		if err := compileMapping(d, at, fields); err != nil {
			return nil, err
		}
	case "$literal":
		d.kind = sourceLiteralKind
		d.literal = []byte(fields["$literal"].Raw)
	case "$each":
		p, err := compilePathField(at, "$each", fields["$each"])
		if err != nil {
			return nil, err
		}
		d.kind = sourceEachKind
		d.path = p
		if err := compileMapping(d, at+"[]", fields); err != nil {
			return nil, err
		}
	case "$first":
		cands := fields["$first"]
		if !cands.IsArray() || len(cands.Array()) == 0 {
			return nil, compileErr(at, "$first must be a non-empty array")
		}
		for i, c := range cands.Array() {
			n, err := compileNode(fmt.Sprintf("%s.$first[%d]", at, i), c)
			if err != nil {
				return nil, err
			}
			d.first = append(d.first, n)
		}
		d.kind = sourceFirstKind
	}

	if d.kind != sourceEachKind && d.kind != sourcePathKind {
		for _, k := range []string{"$do", "$where"} {
			if _, ok := fields[k]; ok {
				return nil, compileErr(at, "%s is only valid with $path or $each", k)
			}
		}
	}
	if spread, ok := fields["$spread"]; ok {
		if spread.Type != gjson.True && spread.Type != gjson.False {
			return nil, compileErr(at, "$spread must be a boolean")
		}
		d.spread = spread.Bool()
	}

	if def, ok := fields["$default"]; ok {
		d.def = []byte(def.Raw)
	}
	if opt, ok := fields["$optional"]; ok {
		if opt.Type != gjson.True && opt.Type != gjson.False {
			return nil, compileErr(at, "$optional must be a boolean")
		}
		d.optional = opt.Bool()
	}
	if enum, ok := fields["$enum"]; ok {
		if !enum.IsObject() {
			return nil, compileErr(at, "$enum must be an object")
		}
		d.enum = map[string][]byte{}
		enum.ForEach(func(k, val gjson.Result) bool {
			d.enum[k.String()] = []byte(val.Raw)
			return true
		})
	}
	if strict, ok := fields["$enum_strict"]; ok {
		if d.enum == nil {
			return nil, compileErr(at, "$enum_strict requires $enum")
		}
		if strict.Type != gjson.True && strict.Type != gjson.False {
			return nil, compileErr(at, "$enum_strict must be a boolean")
		}
		d.enumStrict = strict.Bool()
	}
	if as, ok := fields["$as"]; ok {
		if !coercions[as.String()] {
			return nil, compileErr(at, "unknown $as %q", as.String())
		}
		d.as = as.String()
	}
	if typ, ok := fields["$type"]; ok {
		if !typeNames[typ.String()] {
			return nil, compileErr(at, "unknown $type %q", typ.String())
		}
		d.typ = typ.String()
	}
	return d, nil
}

// compileMapping reads $where and $do. With $each they apply per element;
// with $path they filter and reshape the single value.
func compileMapping(d *directive, at string, fields map[string]gjson.Result) error {
	var err error
	if do, ok := fields["$do"]; ok {
		if d.do, err = compileNode(at, do); err != nil {
			return err
		}
	}
	if where, ok := fields["$where"]; ok {
		if d.where, err = compileCond(at+".$where", where); err != nil {
			return err
		}
		if d.where.event != "" {
			return compileErr(at+".$where", "event is only valid in stream templates")
		}
	}
	return nil
}

func compilePathField(at, key string, v gjson.Result) (sourcePath, error) {
	if v.Type != gjson.String {
		return sourcePath{}, compileErr(at, "%s must be a string", key)
	}
	p, err := parsePath(v.String())
	if err != nil {
		return sourcePath{}, compileErr(at, "%s: %v", key, err)
	}
	return p, nil
}

// cond is a predicate over a single JSON value.
type cond struct {
	event   string
	path    sourcePath
	hasPath bool
	op      string
	want    gjson.Result
	wantAny []gjson.Result
}

func compileCond(at string, v gjson.Result) (*cond, error) {
	if !v.IsObject() {
		return nil, compileErr(at, "condition must be an object")
	}
	c := &cond{}
	var err error
	v.ForEach(func(k, val gjson.Result) bool {
		switch k.String() {
		case "event":
			c.event = val.String()
		case "path":
			c.path, err = compilePathField(at, "path", val)
			c.hasPath = true
		case "equals", "not_equals", "exists", "in":
			if c.op != "" {
				err = compileErr(at, "condition has more than one operator")
				return false
			}
			c.op = k.String()
			c.want = val
			if c.op == "in" {
				if !val.IsArray() {
					err = compileErr(at, "in must be an array")
					return false
				}
				c.wantAny = val.Array()
			}
		default:
			err = compileErr(at, "unknown condition key %q", k.String())
		}
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	if c.op != "" && !c.hasPath {
		return nil, compileErr(at, "condition operator %s requires path", c.op)
	}
	if c.hasPath && c.op == "" {
		c.op = "exists"
		c.want = gjson.Result{Type: gjson.True}
	}
	return c, nil
}
