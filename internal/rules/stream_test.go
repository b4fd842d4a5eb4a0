package rules

import (
	"errors"
	"testing"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/felipepmaragno/omnikit/internal/sse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func convertAll(t *testing.T, conv *StreamConverter, in []sse.Event) []sse.Event {
	t.Helper()
	var out []sse.Event
	for _, ev := range in {
		evs, err := conv.Convert(ev)
		require.NoError(t, err)
		out = append(out, evs...)
	}
	evs, err := conv.Finish()
	require.NoError(t, err)
	return append(out, evs...)
}

func TestStream_AnthropicUpstreamToChatClient(t *testing.T) {
	c := systemRule(t, domain.FormatOpenAIChat, domain.FormatAnthropic)
	require.True(t, c.HasStream())

	conv := c.NewStreamConverter([]byte(`{"model":"gpt-test","created":1700000000}`))
	out := convertAll(t, conv, []sse.Event{
		{Event: "message_start", Data: []byte(`{"type":"message_start","message":{"id":"msg_1","model":"claude-x","usage":{"input_tokens":12}}}`)},
		{Event: "content_block_start", Data: []byte(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)},
		{Event: "ping", Data: []byte(`{"type":"ping"}`)},
		{Event: "content_block_delta", Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`)},
		{Event: "content_block_delta", Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`)},
		{Event: "content_block_stop", Data: []byte(`{"type":"content_block_stop","index":0}`)},
		{Event: "message_delta", Data: []byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`)},
		{Event: "message_stop", Data: []byte(`{"type":"message_stop"}`)},
	})

	require.Len(t, out, 5)
	assert.Equal(t, "assistant", gjson.GetBytes(out[0].Data, "choices.0.delta.role").String())
	assert.Equal(t, "msg_1", gjson.GetBytes(out[0].Data, "id").String())
	assert.Equal(t, "gpt-test", gjson.GetBytes(out[0].Data, "model").String())
	assert.Equal(t, int64(1700000000), gjson.GetBytes(out[0].Data, "created").Int())

	assert.Equal(t, "Hel", gjson.GetBytes(out[1].Data, "choices.0.delta.content").String())
	assert.Equal(t, "lo", gjson.GetBytes(out[2].Data, "choices.0.delta.content").String())
	assert.Equal(t, "msg_1", gjson.GetBytes(out[2].Data, "id").String())

	assert.Equal(t, "stop", gjson.GetBytes(out[3].Data, "choices.0.finish_reason").String())
	assert.Equal(t, int64(12), gjson.GetBytes(out[3].Data, "usage.prompt_tokens").Int())
	assert.Equal(t, int64(5), gjson.GetBytes(out[3].Data, "usage.completion_tokens").Int())

	assert.True(t, out[4].IsDone())
	for _, ev := range out {
		assert.Empty(t, ev.Event)
	}
}

func TestStream_ChatUpstreamToAnthropicClient(t *testing.T) {
	c := systemRule(t, domain.FormatAnthropic, domain.FormatOpenAIChat)

	conv := c.NewStreamConverter([]byte(`{"model":"claude-public"}`))
	out := convertAll(t, conv, []sse.Event{
		{Data: []byte(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`)},
		{Data: []byte(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"Hi"}}]}`)},
		{Data: []byte(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"length"}]}`)},
		{Data: []byte(`{"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2}}`)},
		{Data: []byte(`[DONE]`)},
	})

	names := make([]string, len(out))
	for i, ev := range out {
		names[i] = ev.Event
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)

	assert.Equal(t, "claude-public", gjson.GetBytes(out[0].Data, "message.model").String())
	assert.Equal(t, "chatcmpl-1", gjson.GetBytes(out[0].Data, "message.id").String())
	assert.Equal(t, "", gjson.GetBytes(out[2].Data, "delta.text").String())
	assert.Equal(t, "Hi", gjson.GetBytes(out[3].Data, "delta.text").String())
	assert.Equal(t, "max_tokens", gjson.GetBytes(out[5].Data, "delta.stop_reason").String())
	assert.Equal(t, int64(2), gjson.GetBytes(out[5].Data, "usage.output_tokens").Int())
	assert.True(t, conv.Done())
}

func TestStream_FinishRunsOnceWithoutDone(t *testing.T) {
	st, err := CompileStreamTemplate("s", []byte(`{
		"events": [{"when": {"path": "n", "exists": true}, "capture": {"n": "n"}, "emit": []}],
		"finish": [{"event": "end", "data": {"last": {"$path": "n"}, "captured": {"$path": "$vars.n"}}}, {"data": "[DONE]"}]
	}`))
	require.NoError(t, err)

	conv := st.NewConverter(nil)
	_, err = conv.Convert(sse.Event{Data: []byte(`{"n": 1}`)})
	require.NoError(t, err)
	_, err = conv.Convert(sse.Event{Data: []byte(`{"n": 2}`)})
	require.NoError(t, err)

	out, err := conv.Finish()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "end", out[0].Event)
	assert.JSONEq(t, `{"last": 2, "captured": 2}`, string(out[0].Data))
	assert.True(t, out[1].IsDone())
	assert.False(t, conv.Done())

	again, err := conv.Finish()
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestStream_OnceAndContinue(t *testing.T) {
	st, err := CompileStreamTemplate("s", []byte(`{
		"events": [
			{"once": true, "continue": true, "emit": [{"event": "start", "data": {"$literal": {}}}]},
			{"when": {"event": "tick"}, "emit": [{"event": "tick", "data": {"v": {"$path": "v"}}}]},
			{"emit": [{"event": "other", "data": {"$literal": {}}}]}
		]
	}`))
	require.NoError(t, err)

	conv := st.NewConverter(nil)
	out := convertAll(t, conv, []sse.Event{
		{Event: "tick", Data: []byte(`{"v": 1}`)},
		{Event: "tock", Data: []byte(`{"v": 2}`)},
		{Event: "tick", Data: []byte(`{"v": 3}`)},
		{Event: "tick", Data: []byte(`not json`)},
	})

	var names []string
	for _, ev := range out {
		names = append(names, ev.Event)
	}
	assert.Equal(t, []string{"start", "tick", "other", "tick"}, names)
}

func TestStream_ExecutionErrorNamesPath(t *testing.T) {
	st, err := CompileStreamTemplate("s", []byte(`{"events": [{"emit": [{"data": {"id": {"$path": "id"}}}]}]}`))
	require.NoError(t, err)

	_, err = st.NewConverter(nil).Convert(sse.Event{Data: []byte(`{}`)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRuleExecution))
	assert.Contains(t, err.Error(), "s.events[0].emit[0].data.id")
}

func TestCompileStreamTemplate_Errors(t *testing.T) {
	bad := map[string]string{
		"not an object":  `[]`,
		"unknown key":    `{"events": [{"emit": []}], "extra": 1}`,
		"no events":      `{"events": []}`,
		"unknown case":   `{"events": [{"emit": [], "when_not": {}}]}`,
		"emit not array": `{"events": [{"emit": {}}]}`,
		"emit no data":   `{"events": [{"emit": [{"event": "x"}]}]}`,
		"bad capture":    `{"events": [{"capture": {"id": "a..b"}, "emit": []}]}`,
		"bad data":       `{"events": [{"emit": [{"data": {"$path": "a", "$as": "nope"}}]}]}`,
	}
	for name, tmpl := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := CompileStreamTemplate("s", []byte(tmpl))
			assert.True(t, errors.Is(err, domain.ErrRuleCompile), "got %v", err)
		})
	}
}

func TestStream_AnthropicUpstreamToResponsesClient(t *testing.T) {
	c := systemRule(t, domain.FormatOpenAIResponses, domain.FormatAnthropic)

	conv := c.NewStreamConverter([]byte(`{"model":"gpt-test"}`))
	out := convertAll(t, conv, []sse.Event{
		{Event: "message_start", Data: []byte(`{"type":"message_start","message":{"id":"msg_1","model":"claude-x","usage":{"input_tokens":9}}}`)},
		{Event: "content_block_start", Data: []byte(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)},
		{Event: "content_block_delta", Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`)},
		{Event: "content_block_stop", Data: []byte(`{"type":"content_block_stop","index":0}`)},
		{Event: "message_delta", Data: []byte(`{"type":"message_delta","delta":{"stop_reason":"max_tokens"},"usage":{"output_tokens":4}}`)},
		{Event: "message_stop", Data: []byte(`{"type":"message_stop"}`)},
	})

	names := make([]string, len(out))
	for i, ev := range out {
		names[i] = ev.Event
	}
	assert.Equal(t, []string{"response.created", "response.output_text.delta", "response.completed"}, names)

	assert.Equal(t, "msg_1", gjson.GetBytes(out[0].Data, "response.id").String())
	assert.Equal(t, "gpt-test", gjson.GetBytes(out[0].Data, "response.model").String())
	assert.Equal(t, "Hi", gjson.GetBytes(out[1].Data, "delta").String())
	assert.Equal(t, "msg_1", gjson.GetBytes(out[1].Data, "item_id").String())
	assert.Equal(t, "incomplete", gjson.GetBytes(out[2].Data, "response.status").String())
	assert.Equal(t, int64(9), gjson.GetBytes(out[2].Data, "response.usage.input_tokens").Int())
	assert.Equal(t, int64(4), gjson.GetBytes(out[2].Data, "response.usage.output_tokens").Int())
}

func TestStream_ResponsesUpstreamToAnthropicClient(t *testing.T) {
	c := systemRule(t, domain.FormatAnthropic, domain.FormatOpenAIResponses)

	conv := c.NewStreamConverter([]byte(`{"model":"claude-public"}`))
	out := convertAll(t, conv, []sse.Event{
		{Event: "response.created", Data: []byte(`{"type":"response.created","response":{"id":"resp_1","model":"gpt-x","status":"in_progress"}}`)},
		{Event: "response.output_text.delta", Data: []byte(`{"type":"response.output_text.delta","item_id":"msg_1","delta":"Hel"}`)},
		{Event: "response.output_text.delta", Data: []byte(`{"type":"response.output_text.delta","item_id":"msg_1","delta":"lo"}`)},
		{Event: "response.completed", Data: []byte(`{"type":"response.completed","response":{"id":"resp_1","status":"completed","usage":{"input_tokens":6,"output_tokens":2}}}`)},
	})

	names := make([]string, len(out))
	for i, ev := range out {
		names[i] = ev.Event
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)

	assert.Equal(t, "resp_1", gjson.GetBytes(out[0].Data, "message.id").String())
	assert.Equal(t, "claude-public", gjson.GetBytes(out[0].Data, "message.model").String())
	assert.Equal(t, "Hel", gjson.GetBytes(out[2].Data, "delta.text").String())
	assert.Equal(t, "lo", gjson.GetBytes(out[3].Data, "delta.text").String())
	assert.Equal(t, "end_turn", gjson.GetBytes(out[5].Data, "delta.stop_reason").String())
	assert.Equal(t, int64(2), gjson.GetBytes(out[5].Data, "usage.output_tokens").Int())
}
