package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

func TestHTTPTransport_OpenAIChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-1" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("OpenAI-Beta"); got != "assistants=v2" {
			t.Errorf("OpenAI-Beta = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"model":"gpt-4o"}` {
			t.Errorf("body = %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-1"}`))
	}))
	defer server.Close()

	tr := NewHTTPTransport(nil)
	resp, err := tr.Do(context.Background(), Request{
		Channel: &domain.Channel{Format: domain.FormatOpenAIChat, BaseURL: server.URL + "/v1"},
		Key:     "sk-1",
		Body:    []byte(`{"model":"gpt-4o"}`),
		Header:  http.Header{"Openai-Beta": {"assistants=v2"}, "Cookie": {"secret"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if !resp.OK() || resp.IsStream() {
		t.Errorf("status=%d stream=%v", resp.Status, resp.IsStream())
	}
	got, _ := io.ReadAll(resp.Body)
	if string(got) != `{"id":"chatcmpl-1"}` {
		t.Errorf("body = %s", got)
	}
}

func TestHTTPTransport_AnthropicAuthAndStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "sk-ant" || r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing anthropic auth headers: %v", r.Header)
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error"}`))
	}))
	defer server.Close()

	resp, err := NewHTTPTransport(nil).Do(context.Background(), Request{
		Channel: &domain.Channel{Format: domain.FormatAnthropic, BaseURL: server.URL},
		Key:     "sk-ant",
		Body:    []byte(`{}`),
		Header:  http.Header{},
		Stream:  true,
	})
	if err != nil {
		t.Fatalf("non-2xx must not be an error: %v", err)
	}
	defer resp.Body.Close()
	if resp.Status != http.StatusTooManyRequests || resp.OK() {
		t.Errorf("status = %d", resp.Status)
	}
}

func TestHTTPTransport_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewHTTPTransport(nil).Do(context.Background(), Request{
		Channel: &domain.Channel{Format: domain.FormatOpenAIChat, BaseURL: url},
		Body:    []byte(`{}`),
		Header:  http.Header{},
	})
	var ue *domain.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if ue.Status != 0 || ue.Timeout {
		t.Errorf("unexpected upstream error: %+v", ue)
	}
}

func TestHTTPTransport_HeaderTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	cfg := DefaultClientConfig()
	cfg.ResponseHeaderTimeout = 20 * time.Millisecond
	_, err := NewHTTPTransport(NewClient(cfg)).Do(context.Background(), Request{
		Channel: &domain.Channel{Format: domain.FormatOpenAIChat, BaseURL: server.URL},
		Body:    []byte(`{}`),
		Header:  http.Header{},
	})
	var ue *domain.UpstreamError
	if !errors.As(err, &ue) || !ue.Timeout {
		t.Fatalf("expected timeout UpstreamError, got %v", err)
	}
}

func TestHTTPTransport_DecodesBodies(t *testing.T) {
	const payload = `{"choices":[{"message":{"content":"hi"}}]}`

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write([]byte(payload))
	zw.Close()

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	bw.Write([]byte(payload))
	bw.Close()

	tests := []struct {
		encoding string
		body     []byte
	}{
		{"", []byte(payload)},
		{"gzip", gz.Bytes()},
		{"br", br.Bytes()},
	}
	for _, tt := range tests {
		t.Run("encoding="+tt.encoding, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !strings.Contains(r.Header.Get("Accept-Encoding"), "br") {
					t.Errorf("Accept-Encoding = %q", r.Header.Get("Accept-Encoding"))
				}
				if tt.encoding != "" {
					w.Header().Set("Content-Encoding", tt.encoding)
				}
				w.Write(tt.body)
			}))
			defer server.Close()

			resp, err := NewHTTPTransport(nil).Do(context.Background(), Request{
				Channel: &domain.Channel{Format: domain.FormatGeneric, BaseURL: server.URL},
				Body:    []byte(`{}`),
				Header:  http.Header{},
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer resp.Body.Close()
			got, _ := io.ReadAll(resp.Body)
			if string(got) != payload {
				t.Errorf("decoded body = %q", got)
			}
		})
	}
}

func TestDecodeBody_Unsupported(t *testing.T) {
	_, err := decodeBody("compress", io.NopCloser(strings.NewReader("x")))
	if err == nil {
		t.Error("expected error for unsupported encoding")
	}
}

type mockBedrock struct {
	invokeFunc       func(ctx context.Context, modelID string, body []byte) ([]byte, error)
	invokeStreamFunc func(ctx context.Context, modelID string, body []byte) (ChunkStream, error)
}

func (m *mockBedrock) Invoke(ctx context.Context, modelID string, body []byte) ([]byte, error) {
	return m.invokeFunc(ctx, modelID, body)
}

func (m *mockBedrock) InvokeStream(ctx context.Context, modelID string, body []byte) (ChunkStream, error) {
	return m.invokeStreamFunc(ctx, modelID, body)
}

type fakeStream struct {
	events chan types.ResponseStream
	err    error
}

func (f *fakeStream) Events() <-chan types.ResponseStream { return f.events }
func (f *fakeStream) Close() error                        { return nil }
func (f *fakeStream) Err() error                          { return f.err }

func TestBedrockTransport_Invoke(t *testing.T) {
	var gotRegion, gotKey, gotModel string
	var gotBody []byte
	factory := func(ctx context.Context, region, key string) (BedrockAPI, error) {
		gotRegion, gotKey = region, key
		return &mockBedrock{
			invokeFunc: func(ctx context.Context, modelID string, body []byte) ([]byte, error) {
				gotModel, gotBody = modelID, body
				return []byte(`{"type":"message"}`), nil
			},
		}, nil
	}

	tr := NewBedrockTransport(factory)
	resp, err := tr.Do(context.Background(), Request{
		Channel: &domain.Channel{Format: domain.FormatAnthropic, BaseURL: "bedrock://us-east-1"},
		Key:     "AKIA:secret",
		Body:    []byte(`{"model":"anthropic.claude-3-haiku","stream":false,"max_tokens":10}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if gotRegion != "us-east-1" || gotKey != "AKIA:secret" || gotModel != "anthropic.claude-3-haiku" {
		t.Errorf("region=%q key=%q model=%q", gotRegion, gotKey, gotModel)
	}
	if bytes.Contains(gotBody, []byte(`"model"`)) || bytes.Contains(gotBody, []byte(`"stream"`)) {
		t.Errorf("model/stream must be stripped: %s", gotBody)
	}
	if !bytes.Contains(gotBody, []byte(BedrockVersion)) {
		t.Errorf("anthropic_version missing: %s", gotBody)
	}
	out, _ := io.ReadAll(resp.Body)
	if string(out) != `{"type":"message"}` {
		t.Errorf("body = %s", out)
	}
}

func TestBedrockTransport_StreamReframesAsSSE(t *testing.T) {
	stream := &fakeStream{events: make(chan types.ResponseStream, 2)}
	stream.events <- &types.ResponseStreamMemberChunk{Value: types.PayloadPart{Bytes: []byte(`{"type":"message_start","message":{}}`)}}
	stream.events <- &types.ResponseStreamMemberChunk{Value: types.PayloadPart{Bytes: []byte(`{"type":"message_stop"}`)}}
	close(stream.events)

	calls := 0
	tr := NewBedrockTransport(func(ctx context.Context, region, key string) (BedrockAPI, error) {
		calls++
		return &mockBedrock{
			invokeStreamFunc: func(ctx context.Context, modelID string, body []byte) (ChunkStream, error) {
				return stream, nil
			},
		}, nil
	})

	req := Request{
		Channel: &domain.Channel{Format: domain.FormatAnthropic, BaseURL: "bedrock://eu-west-1"},
		Body:    []byte(`{"model":"m","stream":true}`),
		Stream:  true,
	}
	resp, err := tr.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.IsStream() {
		t.Fatal("expected event-stream response")
	}
	out, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	want := "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{}}\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
	if string(out) != want {
		t.Errorf("stream = %q", out)
	}

	stream.events = make(chan types.ResponseStream)
	close(stream.events)
	if _, err := tr.Do(context.Background(), req); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if calls != 1 {
		t.Errorf("client cache miss: factory called %d times", calls)
	}
}

func TestBedrockTransport_RejectsNonAnthropic(t *testing.T) {
	tr := NewBedrockTransport(func(ctx context.Context, region, key string) (BedrockAPI, error) {
		t.Fatal("factory must not be called")
		return nil, nil
	})
	_, err := tr.Do(context.Background(), Request{
		Channel: &domain.Channel{Format: domain.FormatOpenAIChat, BaseURL: "bedrock://us-east-1"},
		Body:    []byte(`{"model":"m"}`),
	})
	if !errors.Is(err, domain.ErrUpstream) {
		t.Errorf("expected upstream error, got %v", err)
	}
}

func TestRouter(t *testing.T) {
	var used string
	stub := func(name string) Transport {
		return transportFunc(func(ctx context.Context, req Request) (*Response, error) {
			used = name
			return &Response{Status: 200}, nil
		})
	}
	r := &Router{HTTP: stub("http"), Bedrock: stub("bedrock")}

	r.Do(context.Background(), Request{Channel: &domain.Channel{BaseURL: "bedrock://us-east-1"}})
	if used != "bedrock" {
		t.Errorf("used %q for bedrock URL", used)
	}
	r.Do(context.Background(), Request{Channel: &domain.Channel{BaseURL: "https://api.openai.com/v1"}})
	if used != "http" {
		t.Errorf("used %q for https URL", used)
	}
}

type transportFunc func(ctx context.Context, req Request) (*Response, error)

func (f transportFunc) Do(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }
