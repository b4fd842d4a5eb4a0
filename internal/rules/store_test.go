package rules

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const storeIndexYAML = `
rules:
  - slug: chat-to-anthropic-lite
    name: Chat to Anthropic (lite)
    author: community
    version: "0.2.0"
    source_format: openai_chat
    target_format: anthropic
    url: rules/lite.yaml
  - slug: broken
    name: Broken
    source_format: openai_chat
    target_format: anthropic
    url: rules/broken.json
`

const liteRuleYAML = `
description: minimal text-only conversion
request_template:
  model: {$path: model}
  max_tokens: {$path: max_tokens, $default: 1024}
  messages: {$each: messages}
response_template:
  id: {$path: id}
`

func newStoreServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/index.yaml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(storeIndexYAML))
	})
	mux.HandleFunc("/rules/lite.yaml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(liteRuleYAML))
	})
	mux.HandleFunc("/rules/broken.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"request_template": {"x": {"$what": 1}}, "response_template": {}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStoreClient_Index(t *testing.T) {
	srv := newStoreServer(t)
	client := NewStoreClient(srv.URL+"/index.yaml", srv.Client())

	entries, err := client.Index(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "chat-to-anthropic-lite", entries[0].Slug)
	assert.Equal(t, domain.FormatOpenAIChat, entries[0].SourceFormat)
	assert.Equal(t, "0.2.0", entries[0].Version)
}

func TestStoreClient_Fetch(t *testing.T) {
	srv := newStoreServer(t)
	client := NewStoreClient(srv.URL+"/index.yaml", srv.Client())

	rule, err := client.Fetch(context.Background(), "chat-to-anthropic-lite")
	require.NoError(t, err)
	assert.Equal(t, domain.OriginStore, rule.Origin)
	assert.False(t, rule.Enabled)
	assert.Empty(t, rule.ID)
	assert.Equal(t, "community", rule.Author)
	assert.Equal(t, "minimal text-only conversion", rule.Description)
	assert.Equal(t, domain.FormatAnthropic, rule.Target)

	out, err := Test(rule, PhaseRequest, []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"m","max_tokens":1024,"messages":[{"role":"user","content":"hi"}]}`, string(out))
}

func TestStoreClient_FetchErrors(t *testing.T) {
	srv := newStoreServer(t)
	client := NewStoreClient(srv.URL+"/index.yaml", srv.Client())

	_, err := client.Fetch(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)

	_, err = client.Fetch(context.Background(), "broken")
	assert.True(t, errors.Is(err, domain.ErrRuleCompile), "got %v", err)

	_, err = NewStoreClient(srv.URL+"/nope.yaml", srv.Client()).Index(context.Background())
	var ue *domain.UpstreamError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.Equal(t, http.StatusNotFound, ue.Status)

	_, err = NewStoreClient("", nil).Index(context.Background())
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
