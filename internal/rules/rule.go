package rules

import (
	"encoding/json"
	"fmt"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/felipepmaragno/omnikit/internal/sse"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
	PhaseStream   Phase = "stream"
)

// Compiled is a rule with its templates ready to run.
type Compiled struct {
	Rule     domain.ConversionRule
	request  *Template
	response *Template
	stream   *StreamTemplate
}

// Compile checks the rule's formats and compiles every template it carries.
func Compile(r *domain.ConversionRule) (*Compiled, error) {
	if !r.Source.IsClientFacing() {
		return nil, compileErr("source_format", "%q is not a client format", r.Source)
	}
	if !r.Target.Valid() {
		return nil, compileErr("target_format", "unknown format %q", r.Target)
	}
	if r.Source == r.Target {
		return nil, compileErr("target_format", "source and target are both %s", r.Source)
	}
	c := &Compiled{Rule: *r}
	var err error
	if c.request, err = CompileTemplate("request_template", r.RequestTemplate); err != nil {
		return nil, err
	}
	if c.response, err = CompileTemplate("response_template", r.ResponseTemplate); err != nil {
		return nil, err
	}
	if len(r.StreamTemplate) > 0 && string(r.StreamTemplate) != "null" {
		if c.stream, err = CompileStreamTemplate("stream_template", r.StreamTemplate); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Validate compiles the rule and discards the result.
func Validate(r *domain.ConversionRule) error {
	_, err := Compile(r)
	return err
}

// ConvertRequest renders the request template and pins the upstream model.
func (c *Compiled) ConvertRequest(body []byte, upstreamModel string) ([]byte, error) {
	out, err := c.request.Execute(body)
	if err != nil {
		return nil, err
	}
	if upstreamModel == "" {
		return out, nil
	}
	return SetModel(out, upstreamModel)
}

// ConvertResponse renders the response template. vars is bound to $vars.
func (c *Compiled) ConvertResponse(body, vars []byte) ([]byte, error) {
	return c.response.ExecuteWith(body, vars)
}

// HasStream reports whether the rule can convert streamed responses.
func (c *Compiled) HasStream() bool {
	return c.stream != nil
}

// NewStreamConverter returns nil when the rule has no stream template.
func (c *Compiled) NewStreamConverter(vars []byte) *StreamConverter {
	if c.stream == nil {
		return nil
	}
	return c.stream.NewConverter(vars)
}

// SetModel replaces the top-level model field of a JSON body.
func SetModel(body []byte, model string) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", domain.ErrInvalidRequest)
	}
	return sjson.SetBytes(body, "model", model)
}

// StreamEvent is the JSON form of an SSE event used by rule tests.
type StreamEvent struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// Test executes one phase of r against sample without any network access.
// For PhaseStream the sample is an array of StreamEvent and so is the result;
// a data value that is a JSON string is sent verbatim, so "[DONE]" works.
func Test(r *domain.ConversionRule, phase Phase, sample []byte) ([]byte, error) {
	return TestWith(r, phase, sample, nil)
}

// TestWith is Test with vars bound to $vars in the response and stream
// phases, the way the gateway binds them for live traffic.
func TestWith(r *domain.ConversionRule, phase Phase, sample, vars []byte) ([]byte, error) {
	c, err := Compile(r)
	if err != nil {
		return nil, err
	}
	if len(vars) > 0 && !gjson.ValidBytes(vars) {
		return nil, fmt.Errorf("%w: vars is not valid JSON", domain.ErrInvalidRequest)
	}
	switch phase {
	case PhaseRequest:
		return c.request.Execute(sample)
	case PhaseResponse:
		return c.response.ExecuteWith(sample, vars)
	case PhaseStream:
		if c.stream == nil {
			return nil, execErr("stream_template", "rule has no stream template")
		}
		return testStream(c.stream, sample, vars)
	}
	return nil, fmt.Errorf("%w: unknown phase %q", domain.ErrInvalidRequest, phase)
}

func testStream(st *StreamTemplate, sample, vars []byte) ([]byte, error) {
	var in []StreamEvent
	if err := json.Unmarshal(sample, &in); err != nil {
		return nil, execErr("", "stream sample must be an array of events: %v", err)
	}
	conv := st.NewConverter(vars)
	out := []StreamEvent{}
	appendEvents := func(evs []sse.Event) {
		for _, ev := range evs {
			data := json.RawMessage(ev.Data)
			if ev.IsDone() {
				data, _ = json.Marshal(string(sse.Done))
			}
			out = append(out, StreamEvent{Event: ev.Event, Data: data})
		}
	}
	for _, ev := range in {
		data := []byte(ev.Data)
		if s := gjson.ParseBytes(ev.Data); s.Type == gjson.String {
			data = []byte(s.Str)
		}
		evs, err := conv.Convert(sse.Event{Event: ev.Event, Data: data})
		if err != nil {
			return nil, err
		}
		appendEvents(evs)
	}
	evs, err := conv.Finish()
	if err != nil {
		return nil, err
	}
	appendEvents(evs)
	return json.Marshal(out)
}
