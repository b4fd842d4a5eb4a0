package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// node is one compiled template element. ok=false with a nil error means the
// value is missing but optional and its key should be omitted.
type node interface {
	eval(e *evaluator, scope gjson.Result) (raw []byte, ok bool, err error)
}

type evaluator struct {
	root gjson.Result
	vars gjson.Result
}

// missingError marks a required value that was absent. $first treats it as
// "try the next candidate"; Execute turns it into a RuleError.
type missingError struct {
	at   string
	path string
}

func (e *missingError) Error() string {
	return fmt.Sprintf("missing required field %q", e.path)
}

func execErr(at, format string, args ...any) error {
	return &domain.RuleError{Kind: domain.ErrRuleExecution, Path: at, Msg: fmt.Sprintf(format, args...)}
}

// Execute evaluates the template against input and returns the rendered JSON.
func (t *Template) Execute(input []byte) ([]byte, error) {
	if !gjson.ValidBytes(input) {
		return nil, execErr("", "input is not valid JSON")
	}
	root := gjson.ParseBytes(input)
	return t.execute(&evaluator{root: root}, root)
}

// ExecuteWith is Execute with vars bound to $vars.
func (t *Template) ExecuteWith(input, vars []byte) ([]byte, error) {
	if !gjson.ValidBytes(input) {
		return nil, execErr("", "input is not valid JSON")
	}
	root := gjson.ParseBytes(input)
	e := &evaluator{root: root}
	if len(vars) > 0 {
		e.vars = gjson.ParseBytes(vars)
	}
	return t.execute(e, root)
}

func (t *Template) execute(e *evaluator, scope gjson.Result) ([]byte, error) {
	raw, ok, err := t.root.eval(e, scope)
	if err != nil {
		var me *missingError
		if errors.As(err, &me) {
			return nil, execErr(me.at, "%s", me.Error())
		}
		return nil, err
	}
	if !ok {
		return []byte("null"), nil
	}
	return raw, nil
}

type literalNode struct {
	raw []byte
}

func (n *literalNode) eval(*evaluator, gjson.Result) ([]byte, bool, error) {
	return n.raw, true, nil
}

type objectNode struct {
	keys []string
	vals []node
}

func (n *objectNode) eval(e *evaluator, scope gjson.Result) ([]byte, bool, error) {
	out := make([]byte, 0, 64)
	out = append(out, '{')
	first := true
	for i, k := range n.keys {
		raw, ok, err := n.vals[i].eval(e, scope)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		if !first {
			out = append(out, ',')
		}
		first = false
		key, _ := json.Marshal(k)
		out = append(out, key...)
		out = append(out, ':')
		out = append(out, raw...)
	}
	return append(out, '}'), true, nil
}

type arrayNode struct {
	items []node
}

func (n *arrayNode) eval(e *evaluator, scope gjson.Result) ([]byte, bool, error) {
	out := []byte("[]")
	for _, item := range n.items {
		raw, ok, err := item.eval(e, scope)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		if d, isDirective := item.(*directive); isDirective && d.spread {
			v := gjson.ParseBytes(raw)
			if v.IsArray() {
				for _, el := range v.Array() {
					if out, err = sjson.SetRawBytes(out, "-1", []byte(el.Raw)); err != nil {
						return nil, false, err
					}
				}
				continue
			}
		}
		if out, err = sjson.SetRawBytes(out, "-1", raw); err != nil {
			return nil, false, err
		}
	}
	return out, true, nil
}

type sourceKind int

const (
	sourcePathKind sourceKind = iota
	sourceLiteralKind
	sourceEachKind
	sourceFirstKind
)

type directive struct {
	at         string
	kind       sourceKind
	path       sourcePath
	literal    []byte
	do         node
	where      *cond
	first      []node
	def        []byte
	optional   bool
	enum       map[string][]byte
	enumStrict bool
	as         string
	typ        string
	spread     bool
}

func (d *directive) eval(e *evaluator, scope gjson.Result) ([]byte, bool, error) {
	v, found, err := d.source(e, scope)
	if err != nil {
		return nil, false, err
	}
	if !found {
		switch {
		case d.def != nil:
			v = gjson.ParseBytes(d.def)
		case d.optional:
			return nil, false, nil
		default:
			return nil, false, &missingError{at: d.at, path: d.describe()}
		}
	} else if d.typ != "" && typeOf(v) != d.typ {
		return nil, false, execErr(d.at, "expected %s at %q, got %s", d.typ, d.describe(), typeOf(v))
	}

	raw := []byte(v.Raw)
	if d.enum != nil {
		if raw, err = d.mapEnum(v); err != nil {
			return nil, false, err
		}
		v = gjson.ParseBytes(raw)
	}
	if d.as != "" {
		if raw, err = coerce(d.at, d.as, v); err != nil {
			return nil, false, err
		}
	}
	return raw, true, nil
}

func (d *directive) describe() string {
	switch d.kind {
	case sourcePathKind, sourceEachKind:
		return d.path.String()
	case sourceFirstKind:
		return "$first"
	default:
		return "$literal"
	}
}

// source resolves the directive's value. JSON null reads as missing.
func (d *directive) source(e *evaluator, scope gjson.Result) (gjson.Result, bool, error) {
	switch d.kind {
	case sourceLiteralKind:
		return gjson.ParseBytes(d.literal), true, nil
	case sourcePathKind:
		v := d.path.get(e, scope)
		if !present(v) {
			return v, false, nil
		}
		if d.where != nil && !d.where.match(e, v, "") {
			return gjson.Result{}, false, nil
		}
		if d.do == nil {
			return v, true, nil
		}
		raw, ok, err := d.do.eval(e, v)
		if err != nil || !ok {
			return gjson.Result{}, false, err
		}
		return gjson.ParseBytes(raw), true, nil
	case sourceEachKind:
		return d.each(e, scope)
	case sourceFirstKind:
		for _, c := range d.first {
			raw, ok, err := c.eval(e, scope)
			var me *missingError
			if errors.As(err, &me) {
				continue
			}
			if err != nil {
				return gjson.Result{}, false, err
			}
			if !ok {
				continue
			}
			v := gjson.ParseBytes(raw)
			if present(v) {
				return v, true, nil
			}
		}
		return gjson.Result{}, false, nil
	}
	return gjson.Result{}, false, fmt.Errorf("unknown source kind %d", d.kind)
}

func (d *directive) each(e *evaluator, scope gjson.Result) (gjson.Result, bool, error) {
	list := d.path.get(e, scope)
	if !present(list) {
		return list, false, nil
	}
	if !list.IsArray() {
		return gjson.Result{}, false, execErr(d.at, "$each over %s at %q", typeOf(list), d.path)
	}
	out := []byte("[]")
	var err error
	for _, item := range list.Array() {
		if d.where != nil && !d.where.match(e, item, "") {
			continue
		}
		raw := []byte(item.Raw)
		if d.do != nil {
			var ok bool
			raw, ok, err = d.do.eval(e, item)
			if err != nil {
				return gjson.Result{}, false, err
			}
			if !ok {
				continue
			}
		}
		if out, err = sjson.SetRawBytes(out, "-1", raw); err != nil {
			return gjson.Result{}, false, execErr(d.at, "%v", err)
		}
	}
	return gjson.ParseBytes(out), true, nil
}

func (d *directive) mapEnum(v gjson.Result) ([]byte, error) {
	switch v.Type {
	case gjson.String, gjson.Number, gjson.True, gjson.False:
		if repl, ok := d.enum[v.String()]; ok {
			return repl, nil
		}
	}
	if d.enumStrict {
		return nil, execErr(d.at, "value %s at %q is not in $enum", v.Raw, d.describe())
	}
	return []byte(v.Raw), nil
}

func present(v gjson.Result) bool {
	return v.Exists() && v.Type != gjson.Null
}

func typeOf(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return "string"
	case gjson.Number:
		return "number"
	case gjson.True, gjson.False:
		return "bool"
	case gjson.Null:
		return "null"
	case gjson.JSON:
		if v.IsArray() {
			return "array"
		}
		return "object"
	}
	return "missing"
}

func coerce(at, as string, v gjson.Result) ([]byte, error) {
	switch as {
	case "text":
		return json.Marshal(textOf(v))
	case "blocks":
		switch {
		case v.IsArray():
			return []byte(v.Raw), nil
		case v.IsObject():
			return []byte("[" + v.Raw + "]"), nil
		}
		return sjson.SetBytes([]byte(`[{"type":"text"}]`), "0.text", v.String())
	case "array":
		if v.IsArray() {
			return []byte(v.Raw), nil
		}
		return []byte("[" + v.Raw + "]"), nil
	case "string":
		if v.Type == gjson.String {
			return []byte(v.Raw), nil
		}
		return json.Marshal(v.Raw)
	case "number":
		switch v.Type {
		case gjson.Number:
			return []byte(v.Raw), nil
		case gjson.String:
			f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
			if err != nil {
				return nil, execErr(at, "cannot read %q as number", v.Str)
			}
			return json.Marshal(f)
		case gjson.True:
			return []byte("1"), nil
		case gjson.False:
			return []byte("0"), nil
		}
		return nil, execErr(at, "cannot read %s as number", typeOf(v))
	case "bool":
		switch v.Type {
		case gjson.True, gjson.False:
			return []byte(v.Raw), nil
		case gjson.Number:
			return strconv.AppendBool(nil, v.Num != 0), nil
		case gjson.String:
			b, err := strconv.ParseBool(strings.TrimSpace(v.Str))
			if err != nil {
				return nil, execErr(at, "cannot read %q as bool", v.Str)
			}
			return strconv.AppendBool(nil, b), nil
		}
		return nil, execErr(at, "cannot read %s as bool", typeOf(v))
	case "json":
		if v.Type != gjson.String {
			return []byte(v.Raw), nil
		}
		if strings.TrimSpace(v.Str) == "" {
			return []byte("{}"), nil
		}
		if !gjson.Valid(v.Str) {
			return nil, execErr(at, "string is not valid JSON")
		}
		return []byte(v.Str), nil
	}
	return nil, execErr(at, "unknown $as %q", as)
}

// textOf flattens a string or a list of content blocks to plain text.
// Non-text blocks are dropped; text parts are joined with newlines.
func textOf(v gjson.Result) string {
	switch {
	case v.Type == gjson.String:
		return v.Str
	case v.IsArray():
		var parts []string
		for _, b := range v.Array() {
			if b.Type == gjson.String {
				parts = append(parts, b.Str)
				continue
			}
			if t := b.Get("text"); t.Type == gjson.String {
				typ := b.Get("type").String()
				if typ == "" || typ == "text" || typ == "input_text" || typ == "output_text" {
					parts = append(parts, t.Str)
				}
			}
		}
		return strings.Join(parts, "\n")
	case v.IsObject():
		return v.Get("text").String()
	}
	return v.String()
}

func (c *cond) match(e *evaluator, scope gjson.Result, event string) bool {
	if c.event != "" && c.event != event {
		return false
	}
	if !c.hasPath {
		return true
	}
	v := c.path.get(e, scope)
	switch c.op {
	case "exists":
		return present(v) == c.want.Bool()
	case "equals":
		return present(v) && jsonEqual(v, c.want)
	case "not_equals":
		return !present(v) || !jsonEqual(v, c.want)
	case "in":
		if !present(v) {
			return false
		}
		for _, w := range c.wantAny {
			if jsonEqual(v, w) {
				return true
			}
		}
	}
	return false
}

func jsonEqual(a, b gjson.Result) bool {
	switch {
	case a.Type == gjson.String && b.Type == gjson.String:
		return a.Str == b.Str
	case a.Type == gjson.Number && b.Type == gjson.Number:
		return a.Num == b.Num
	case a.Type == gjson.JSON && b.Type == gjson.JSON:
		return gjson.Get(a.Raw, "@ugly").Raw == gjson.Get(b.Raw, "@ugly").Raw
	}
	return a.Type == b.Type && (a.Type == gjson.True || a.Type == gjson.False || a.Type == gjson.Null)
}
