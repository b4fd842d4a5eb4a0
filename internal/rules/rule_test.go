package rules

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func systemRule(t *testing.T, source, target domain.Format) *Compiled {
	t.Helper()
	all, err := SystemRules()
	require.NoError(t, err)
	for i := range all {
		if all[i].Source == source && all[i].Target == target {
			c, err := Compile(&all[i])
			require.NoError(t, err)
			return c
		}
	}
	t.Fatalf("no system rule for %s->%s", source, target)
	return nil
}

func TestSystemRules_Compile(t *testing.T) {
	all, err := SystemRules()
	require.NoError(t, err)
	require.Len(t, all, 6)

	seen := map[domain.Pair]bool{}
	for i := range all {
		r := &all[i]
		assert.NoError(t, Validate(r), r.Slug)
		assert.Equal(t, domain.OriginSystem, r.Origin)
		assert.True(t, r.Enabled)
		assert.NotEmpty(t, r.StreamTemplate, r.Slug)
		assert.False(t, seen[r.Pair()], "duplicate pair %s", r.Pair())
		seen[r.Pair()] = true
	}
}

func TestRoundTrip_ChatAnthropicChat_Request(t *testing.T) {
	toAnthropic := systemRule(t, domain.FormatOpenAIChat, domain.FormatAnthropic)
	toChat := systemRule(t, domain.FormatAnthropic, domain.FormatOpenAIChat)

	in := `{
		"model": "gpt-test",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "hello"},
			{"role": "user", "content": "bye"}
		],
		"max_tokens": 100,
		"temperature": 0.5
	}`

	anthropic, err := toAnthropic.ConvertRequest([]byte(in), "")
	require.NoError(t, err)
	assert.Equal(t, "be brief", gjson.GetBytes(anthropic, "system").String())
	assert.Equal(t, int64(3), gjson.GetBytes(anthropic, "messages.#").Int())
	assert.Equal(t, "hi", gjson.GetBytes(anthropic, "messages.0.content.0.text").String())

	back, err := toChat.ConvertRequest(anthropic, "")
	require.NoError(t, err)
	assert.JSONEq(t, in, string(back))
}

func TestRoundTrip_ChatAnthropicChat_Response(t *testing.T) {
	toAnthropic := systemRule(t, domain.FormatOpenAIChat, domain.FormatAnthropic)
	toChat := systemRule(t, domain.FormatAnthropic, domain.FormatOpenAIChat)

	upstream := `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-x",
		"content": [{"type": "text", "text": "Hello"}],
		"stop_reason": "max_tokens",
		"usage": {"input_tokens": 10, "output_tokens": 3}
	}`

	chat, err := toAnthropic.ConvertResponse([]byte(upstream), []byte(`{"model":"gpt-test","created":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "msg_1",
		"object": "chat.completion",
		"created": 1,
		"model": "gpt-test",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hello"}, "finish_reason": "length"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 3}
	}`, string(chat))

	back, err := toChat.ConvertResponse(chat, nil)
	require.NoError(t, err)
	for _, field := range []string{"id", "content", "stop_reason", "usage"} {
		assert.JSONEq(t, gjson.Get(upstream, field).Raw, gjson.GetBytes(back, field).Raw, field)
	}
}

func TestRoundTrip_ChatResponsesChat_Request(t *testing.T) {
	toResponses := systemRule(t, domain.FormatOpenAIChat, domain.FormatOpenAIResponses)
	toChat := systemRule(t, domain.FormatOpenAIResponses, domain.FormatOpenAIChat)

	in := `{
		"model": "gpt-test",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hi"}
		],
		"max_tokens": 64
	}`

	responses, err := toResponses.ConvertRequest([]byte(in), "")
	require.NoError(t, err)
	assert.Equal(t, "be brief", gjson.GetBytes(responses, "instructions").String())
	assert.Equal(t, int64(64), gjson.GetBytes(responses, "max_output_tokens").Int())

	back, err := toChat.ConvertRequest(responses, "")
	require.NoError(t, err)
	assert.JSONEq(t, in, string(back))
}

func TestResponsesToChat_StringInput(t *testing.T) {
	c := systemRule(t, domain.FormatOpenAIResponses, domain.FormatOpenAIChat)

	out, err := c.ConvertRequest([]byte(`{"model":"m","input":"hi","stream":true}`), "gpt-4o")
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": "hi"}],
		"stream": true,
		"stream_options": {"include_usage": true}
	}`, string(out))
}

func TestResponsesToChat_ItemInput(t *testing.T) {
	c := systemRule(t, domain.FormatOpenAIResponses, domain.FormatOpenAIChat)

	in := `{"model":"m","input":[
		{"role":"developer","content":[{"type":"input_text","text":"rules"}]},
		{"type":"reasoning","summary":[]},
		{"role":"user","content":"question"}
	]}`
	out, err := c.ConvertRequest([]byte(in), "")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"role":"system","content":"rules"},{"role":"user","content":"question"}]`,
		gjson.GetBytes(out, "messages").Raw)
}

func TestChatFromResponses_Response(t *testing.T) {
	c := systemRule(t, domain.FormatOpenAIChat, domain.FormatOpenAIResponses)

	upstream := `{
		"id": "resp_1", "object": "response", "created_at": 5, "status": "completed", "model": "gpt-x",
		"output": [
			{"type": "reasoning", "summary": []},
			{"type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "Hi there"}]}
		],
		"usage": {"input_tokens": 4, "output_tokens": 2, "total_tokens": 6}
	}`
	out, err := c.ConvertResponse([]byte(upstream), []byte(`{"model":"gpt-test"}`))
	require.NoError(t, err)
	assert.Equal(t, "Hi there", gjson.GetBytes(out, "choices.0.message.content").String())
	assert.Equal(t, "stop", gjson.GetBytes(out, "choices.0.finish_reason").String())
	assert.Equal(t, int64(6), gjson.GetBytes(out, "usage.total_tokens").Int())
	assert.Equal(t, "gpt-test", gjson.GetBytes(out, "model").String())
}

func TestRoundTrip_AnthropicResponsesAnthropic_Request(t *testing.T) {
	toResponses := systemRule(t, domain.FormatAnthropic, domain.FormatOpenAIResponses)
	toAnthropic := systemRule(t, domain.FormatOpenAIResponses, domain.FormatAnthropic)

	in := `{
		"model": "claude-test",
		"max_tokens": 64,
		"system": "be brief",
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "hello"}
		]
	}`

	responses, err := toResponses.ConvertRequest([]byte(in), "")
	require.NoError(t, err)
	assert.Equal(t, "be brief", gjson.GetBytes(responses, "instructions").String())
	assert.Equal(t, int64(64), gjson.GetBytes(responses, "max_output_tokens").Int())
	assert.Equal(t, "hello", gjson.GetBytes(responses, "input.1.content").String())

	back, err := toAnthropic.ConvertRequest(responses, "")
	require.NoError(t, err)
	assert.JSONEq(t, in, string(back))
}

func TestResponsesToAnthropic_StringInput(t *testing.T) {
	c := systemRule(t, domain.FormatOpenAIResponses, domain.FormatAnthropic)

	out, err := c.ConvertRequest([]byte(`{"model":"m","input":"hi"}`), "claude-x")
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"model": "claude-x",
		"max_tokens": 4096,
		"messages": [{"role": "user", "content": "hi"}]
	}`, string(out))
}

func TestCrossResponsesAnthropic_Response(t *testing.T) {
	fromAnthropic := systemRule(t, domain.FormatOpenAIResponses, domain.FormatAnthropic)
	out, err := fromAnthropic.ConvertResponse([]byte(`{
		"id": "msg_1", "type": "message", "model": "claude-x",
		"content": [{"type": "text", "text": "Hello"}],
		"stop_reason": "max_tokens",
		"usage": {"input_tokens": 10, "output_tokens": 3}
	}`), []byte(`{"model":"gpt-test","created":1700000000}`))
	require.NoError(t, err)
	assert.Equal(t, "Hello", gjson.GetBytes(out, "output.0.content.0.text").String())
	assert.Equal(t, "incomplete", gjson.GetBytes(out, "status").String())
	assert.Equal(t, "gpt-test", gjson.GetBytes(out, "model").String())
	assert.Equal(t, int64(1700000000), gjson.GetBytes(out, "created_at").Int())
	assert.Equal(t, int64(3), gjson.GetBytes(out, "usage.output_tokens").Int())

	fromResponses := systemRule(t, domain.FormatAnthropic, domain.FormatOpenAIResponses)
	out, err = fromResponses.ConvertResponse([]byte(`{
		"id": "resp_1", "object": "response", "status": "completed", "model": "gpt-x",
		"output": [
			{"type": "reasoning", "summary": []},
			{"type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "Hi there"}]}
		],
		"usage": {"input_tokens": 4, "output_tokens": 2}
	}`), []byte(`{"model":"claude-public"}`))
	require.NoError(t, err)
	assert.Equal(t, "Hi there", gjson.GetBytes(out, "content.0.text").String())
	assert.Equal(t, "end_turn", gjson.GetBytes(out, "stop_reason").String())
	assert.Equal(t, "claude-public", gjson.GetBytes(out, "model").String())
	assert.Equal(t, int64(4), gjson.GetBytes(out, "usage.input_tokens").Int())
}

func TestConvertRequest_SetsUpstreamModel(t *testing.T) {
	c := systemRule(t, domain.FormatOpenAIChat, domain.FormatAnthropic)

	out, err := c.ConvertRequest([]byte(`{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`), "claude-3-haiku")
	require.NoError(t, err)
	assert.Equal(t, "claude-3-haiku", gjson.GetBytes(out, "model").String())
	assert.Equal(t, int64(4096), gjson.GetBytes(out, "max_tokens").Int())
}

func TestCompile_RejectsBadFormats(t *testing.T) {
	base := domain.ConversionRule{
		RequestTemplate:  json.RawMessage(`{}`),
		ResponseTemplate: json.RawMessage(`{}`),
	}
	tests := []struct {
		name   string
		source domain.Format
		target domain.Format
	}{
		{"generic source", domain.FormatGeneric, domain.FormatAnthropic},
		{"unknown target", domain.FormatOpenAIChat, domain.Format("gemini")},
		{"same format", domain.FormatAnthropic, domain.FormatAnthropic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base
			r.Source, r.Target = tt.source, tt.target
			err := Validate(&r)
			assert.True(t, errors.Is(err, domain.ErrRuleCompile), "got %v", err)
		})
	}
}

func TestValidate_BrokenTemplate(t *testing.T) {
	r := &domain.ConversionRule{
		Source:           domain.FormatOpenAIChat,
		Target:           domain.FormatAnthropic,
		RequestTemplate:  json.RawMessage(`{"model": {"$path": "model", "$bogus": true}}`),
		ResponseTemplate: json.RawMessage(`{}`),
	}
	err := Validate(r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRuleCompile))
	assert.Contains(t, err.Error(), "request_template.model")
	assert.Contains(t, err.Error(), "$bogus")
}

func TestTest_Phases(t *testing.T) {
	all, err := SystemRules()
	require.NoError(t, err)
	var rule *domain.ConversionRule
	for i := range all {
		if all[i].Source == domain.FormatOpenAIChat && all[i].Target == domain.FormatAnthropic {
			rule = &all[i]
		}
	}
	require.NotNil(t, rule)

	sample := []byte(`{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`)
	first, err := Test(rule, PhaseRequest, sample)
	require.NoError(t, err)
	second, err := Test(rule, PhaseRequest, sample)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	_, err = Test(rule, PhaseResponse, []byte(`{"content":[]}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRuleExecution), "missing id should fail: %v", err)

	stream, err := Test(rule, PhaseStream, []byte(`[
		{"event":"message_start","data":{"type":"message_start","message":{"id":"msg_1","model":"claude-x","usage":{"input_tokens":3}}}},
		{"event":"content_block_delta","data":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}},
		{"event":"message_stop","data":{"type":"message_stop"}}
	]`))
	require.NoError(t, err)
	var events []StreamEvent
	require.NoError(t, json.Unmarshal(stream, &events))
	require.Len(t, events, 3)
	assert.Equal(t, "Hi", gjson.GetBytes(events[1].Data, "choices.0.delta.content").String())
	assert.JSONEq(t, `"[DONE]"`, string(events[2].Data))

	_, err = Test(rule, Phase("bogus"), sample)
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
}

func TestTestWith_BindsVars(t *testing.T) {
	all, err := SystemRules()
	require.NoError(t, err)
	var rule *domain.ConversionRule
	for i := range all {
		if all[i].Source == domain.FormatOpenAIChat && all[i].Target == domain.FormatAnthropic {
			rule = &all[i]
		}
	}
	require.NotNil(t, rule)

	reply := []byte(`{"id":"msg_1","model":"claude-x","content":[{"type":"text","text":"Hi"}],"stop_reason":"end_turn"}`)

	out, err := TestWith(rule, PhaseResponse, reply, []byte(`{"model":"gpt-test","created":1700000000}`))
	require.NoError(t, err)
	assert.Equal(t, "gpt-test", gjson.GetBytes(out, "model").String())
	assert.Equal(t, int64(1700000000), gjson.GetBytes(out, "created").Int())

	out, err = Test(rule, PhaseResponse, reply)
	require.NoError(t, err)
	assert.Equal(t, "claude-x", gjson.GetBytes(out, "model").String())
	assert.Equal(t, int64(0), gjson.GetBytes(out, "created").Int())

	_, err = TestWith(rule, PhaseResponse, reply, []byte(`{"model":`))
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
}
