package rules

import (
	"errors"
	"fmt"

	"github.com/felipepmaragno/omnikit/internal/sse"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// StreamTemplate converts a server-sent event stream one event at a time.
//
//	{
//	  "events": [
//	    {"when": {"event": "message_start"}, "once": true,
//	     "capture": {"id": "message.id"},
//	     "emit": [{"data": {"id": {"$path": "$vars.id"}}}]}
//	  ],
//	  "finish": [{"data": "[DONE]"}]
//	}
//
// Cases are tried in order and the first match emits, unless it sets
// "continue". Captured values are available to later events under $vars.
type StreamTemplate struct {
	cases  []streamCase
	finish []emitSpec
}

type streamCase struct {
	when     *cond
	once     bool
	cont     bool
	captures []capture
	emits    []emitSpec
}

type capture struct {
	name string
	path sourcePath
}

type emitSpec struct {
	event string
	done  bool
	data  *Template
}

func CompileStreamTemplate(name string, src []byte) (*StreamTemplate, error) {
	if !gjson.ValidBytes(src) {
		return nil, compileErr(name, "stream template is not valid JSON")
	}
	doc := gjson.ParseBytes(src)
	if !doc.IsObject() {
		return nil, compileErr(name, "stream template must be an object")
	}
	var unknown string
	doc.ForEach(func(k, _ gjson.Result) bool {
		if k.String() != "events" && k.String() != "finish" {
			unknown = k.String()
			return false
		}
		return true
	})
	if unknown != "" {
		return nil, compileErr(name, "unknown stream template key %q", unknown)
	}

	st := &StreamTemplate{}
	events := doc.Get("events")
	if !events.IsArray() || len(events.Array()) == 0 {
		return nil, compileErr(name+".events", "events must be a non-empty array")
	}
	for i, c := range events.Array() {
		sc, err := compileCase(fmt.Sprintf("%s.events[%d]", name, i), c)
		if err != nil {
			return nil, err
		}
		st.cases = append(st.cases, sc)
	}
	if fin := doc.Get("finish"); fin.Exists() {
		emits, err := compileEmits(name+".finish", fin)
		if err != nil {
			return nil, err
		}
		st.finish = emits
	}
	return st, nil
}

func compileCase(at string, v gjson.Result) (streamCase, error) {
	var sc streamCase
	if !v.IsObject() {
		return sc, compileErr(at, "case must be an object")
	}
	var err error
	v.ForEach(func(k, val gjson.Result) bool {
		switch k.String() {
		case "when":
			sc.when, err = compileCond(at+".when", val)
		case "event":
			if sc.when == nil {
				sc.when = &cond{}
			}
			sc.when.event = val.String()
		case "once":
			sc.once = val.Bool()
		case "continue":
			sc.cont = val.Bool()
		case "capture":
			if !val.IsObject() {
				err = compileErr(at+".capture", "capture must be an object")
				return false
			}
			val.ForEach(func(name, p gjson.Result) bool {
				var sp sourcePath
				sp, err = compilePathField(at+".capture."+name.String(), "capture", p)
				sc.captures = append(sc.captures, capture{name: name.String(), path: sp})
				return err == nil
			})
		case "emit":
			sc.emits, err = compileEmits(at+".emit", val)
		default:
			err = compileErr(at, "unknown case key %q", k.String())
		}
		return err == nil
	})
	if err != nil {
		return sc, err
	}
	if sc.when == nil {
		sc.when = &cond{}
	}
	return sc, nil
}

func compileEmits(at string, v gjson.Result) ([]emitSpec, error) {
	if !v.IsArray() {
		return nil, compileErr(at, "emit must be an array")
	}
	var out []emitSpec
	for i, e := range v.Array() {
		loc := fmt.Sprintf("%s[%d]", at, i)
		if !e.IsObject() {
			return nil, compileErr(loc, "emit entry must be an object")
		}
		data := e.Get("data")
		if !data.Exists() {
			return nil, compileErr(loc, "emit entry needs data")
		}
		spec := emitSpec{event: e.Get("event").String()}
		if data.Type == gjson.String && data.Str == string(sse.Done) {
			spec.done = true
		} else {
			n, err := compileNode(loc+".data", data)
			if err != nil {
				return nil, err
			}
			spec.data = &Template{root: n}
		}
		out = append(out, spec)
	}
	return out, nil
}

// NewConverter starts a conversion for one stream. vars seeds $vars and may
// be nil. Converters are not safe for concurrent use.
func (t *StreamTemplate) NewConverter(vars []byte) *StreamConverter {
	if !gjson.ValidBytes(vars) || !gjson.ParseBytes(vars).IsObject() {
		vars = []byte("{}")
	}
	return &StreamConverter{
		t:     t,
		fired: make([]bool, len(t.cases)),
		vars:  append([]byte(nil), vars...),
		last:  []byte("{}"),
	}
}

type StreamConverter struct {
	t        *StreamTemplate
	fired    []bool
	vars     []byte
	last     []byte
	done     bool
	finished bool
}

// Convert maps one upstream event to zero or more client events. A [DONE]
// event ends the stream and yields the finish emits.
func (c *StreamConverter) Convert(ev sse.Event) ([]sse.Event, error) {
	if c.finished {
		return nil, nil
	}
	if ev.IsDone() {
		c.done = true
		return c.Finish()
	}
	if !gjson.ValidBytes(ev.Data) {
		return nil, nil
	}
	c.last = append(c.last[:0], ev.Data...)
	doc := gjson.ParseBytes(ev.Data)
	e := &evaluator{root: doc, vars: gjson.ParseBytes(c.vars)}

	var out []sse.Event
	for i, sc := range c.t.cases {
		if sc.once && c.fired[i] {
			continue
		}
		if !sc.when.match(e, doc, ev.Event) {
			continue
		}
		c.fired[i] = true
		if len(sc.captures) > 0 {
			for _, cp := range sc.captures {
				v := cp.path.get(e, doc)
				if !present(v) {
					continue
				}
				vars, err := sjson.SetRawBytes(c.vars, escapeKey(cp.name), []byte(v.Raw))
				if err != nil {
					return nil, execErr("capture."+cp.name, "%v", err)
				}
				c.vars = vars
			}
			e.vars = gjson.ParseBytes(c.vars)
		}
		emitted, err := emitAll(e, doc, sc.emits)
		if err != nil {
			return nil, err
		}
		out = append(out, emitted...)
		if !sc.cont {
			break
		}
	}
	return out, nil
}

// Finish runs the finish emits against the last JSON event. It is a no-op
// after the first call.
func (c *StreamConverter) Finish() ([]sse.Event, error) {
	if c.finished {
		return nil, nil
	}
	c.finished = true
	doc := gjson.ParseBytes(c.last)
	return emitAll(&evaluator{root: doc, vars: gjson.ParseBytes(c.vars)}, doc, c.t.finish)
}

// Done reports whether the upstream sent its terminator.
func (c *StreamConverter) Done() bool {
	return c.done
}

func emitAll(e *evaluator, doc gjson.Result, emits []emitSpec) ([]sse.Event, error) {
	var out []sse.Event
	for _, em := range emits {
		if em.done {
			out = append(out, sse.Event{Event: em.event, Data: sse.Done})
			continue
		}
		raw, ok, err := em.data.root.eval(e, doc)
		if err != nil {
			var me *missingError
			if errors.As(err, &me) {
				return nil, execErr(me.at, "%s", me.Error())
			}
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, sse.Event{Event: em.event, Data: raw})
	}
	return out, nil
}

func escapeKey(k string) string {
	var b []byte
	for i := 0; i < len(k); i++ {
		switch k[i] {
		case '.', '*', '?', '|', '#', '@', '\\', ':':
			b = append(b, '\\')
		}
		b = append(b, k[i])
	}
	return string(b)
}
