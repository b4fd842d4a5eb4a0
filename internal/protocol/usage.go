package protocol

import (
	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/felipepmaragno/omnikit/internal/sse"
	"github.com/tidwall/gjson"
)

type usagePaths struct {
	prompt     string
	completion string
}

var (
	openAIChatUsage = usagePaths{"usage.prompt_tokens", "usage.completion_tokens"}
	inputOutput     = usagePaths{"usage.input_tokens", "usage.output_tokens"}
)

// Usage reads token counts from a buffered response body. Generic bodies
// are probed with every known shape.
func Usage(f domain.Format, body []byte) domain.Usage {
	if !gjson.ValidBytes(body) {
		return domain.Usage{}
	}
	doc := gjson.ParseBytes(body)
	switch f {
	case domain.FormatOpenAIChat:
		return read(doc, openAIChatUsage)
	case domain.FormatOpenAIResponses, domain.FormatAnthropic:
		return read(doc, inputOutput)
	case domain.FormatGeneric:
		if u := read(doc, openAIChatUsage); u.Total() > 0 {
			return u
		}
		return read(doc, inputOutput)
	}
	return domain.Usage{}
}

func read(doc gjson.Result, p usagePaths) domain.Usage {
	return domain.Usage{
		PromptTokens:     int(doc.Get(p.prompt).Int()),
		CompletionTokens: int(doc.Get(p.completion).Int()),
	}
}

// StreamUsage accumulates token counts from upstream SSE events. It only
// reads events and never changes them.
type StreamUsage struct {
	format domain.Format
	usage  domain.Usage
}

func NewStreamUsage(f domain.Format) *StreamUsage {
	return &StreamUsage{format: f}
}

func (s *StreamUsage) Observe(ev sse.Event) {
	if ev.IsDone() || !gjson.ValidBytes(ev.Data) {
		return
	}
	doc := gjson.ParseBytes(ev.Data)
	switch s.format {
	case domain.FormatOpenAIChat:
		s.observeChat(doc)
	case domain.FormatOpenAIResponses:
		s.observeResponses(doc)
	case domain.FormatAnthropic:
		s.observeAnthropic(doc)
	case domain.FormatGeneric:
		s.observeChat(doc)
		s.observeResponses(doc)
		s.observeAnthropic(doc)
	}
}

func (s *StreamUsage) Usage() domain.Usage {
	return s.usage
}

func (s *StreamUsage) observeChat(doc gjson.Result) {
	if u := doc.Get("usage"); u.IsObject() {
		s.usage = read(doc, openAIChatUsage)
	}
}

func (s *StreamUsage) observeResponses(doc gjson.Result) {
	if doc.Get("type").String() == "response.completed" {
		s.usage = read(doc.Get("response"), inputOutput)
	}
}

// Anthropic reports input tokens in message_start and the running output
// count in message_delta.
func (s *StreamUsage) observeAnthropic(doc gjson.Result) {
	switch doc.Get("type").String() {
	case "message_start":
		s.usage.PromptTokens = int(doc.Get("message.usage.input_tokens").Int())
		if out := doc.Get("message.usage.output_tokens"); out.Exists() {
			s.usage.CompletionTokens = int(out.Int())
		}
	case "message_delta":
		if in := doc.Get("usage.input_tokens"); in.Exists() && in.Int() > 0 {
			s.usage.PromptTokens = int(in.Int())
		}
		if out := doc.Get("usage.output_tokens"); out.Exists() {
			s.usage.CompletionTokens = int(out.Int())
		}
	}
}
