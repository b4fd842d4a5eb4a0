// Package protocol holds the per-format wire conventions the gateway needs
// without understanding full payloads: endpoint paths, auth headers, usage
// fields and error envelopes.
package protocol

import (
	"net/http"
	"strings"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

const AnthropicVersion = "2023-06-01"

// EndpointPath is the path appended to a channel's base URL.
func EndpointPath(f domain.Format) string {
	switch f {
	case domain.FormatOpenAIChat:
		return "/chat/completions"
	case domain.FormatOpenAIResponses:
		return "/responses"
	case domain.FormatAnthropic:
		return "/messages"
	case domain.FormatGeneric:
		return ""
	}
	return ""
}

// UpstreamURL joins a base URL and the format's endpoint. Base URLs that
// already end with the endpoint are used as is.
func UpstreamURL(baseURL string, f domain.Format) string {
	base := strings.TrimRight(baseURL, "/")
	path := EndpointPath(f)
	if path == "" || strings.HasSuffix(base, path) {
		return base
	}
	return base + path
}

// SetAuth applies the format's credential convention to an upstream
// request.
func SetAuth(h http.Header, f domain.Format, key string) {
	switch f {
	case domain.FormatAnthropic:
		h.Set("x-api-key", key)
		if h.Get("anthropic-version") == "" {
			h.Set("anthropic-version", AnthropicVersion)
		}
	case domain.FormatOpenAIChat, domain.FormatOpenAIResponses, domain.FormatGeneric:
		h.Set("Authorization", "Bearer "+key)
	}
}

// ClientKey reads the caller's gateway token. Bearer is accepted for every
// format; x-api-key only for anthropic clients.
func ClientKey(h http.Header, f domain.Format) string {
	if auth := h.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if f == domain.FormatAnthropic {
		return strings.TrimSpace(h.Get("x-api-key"))
	}
	return ""
}

// ForwardedHeaders lists client headers passed to the upstream unchanged.
var ForwardedHeaders = []string{"anthropic-version", "anthropic-beta", "OpenAI-Beta"}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	"Content-Encoding":    true,
	"Set-Cookie":          true,
}

// CopyResponseHeaders copies upstream headers that are safe to relay.
func CopyResponseHeaders(dst, src http.Header) {
	for k, vs := range src {
		ck := http.CanonicalHeaderKey(k)
		if hopHeaders[ck] || strings.HasPrefix(ck, "Access-Control-") {
			continue
		}
		for _, v := range vs {
			dst.Add(ck, v)
		}
	}
}
