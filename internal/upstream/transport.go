// Package upstream performs the network call to a channel, over HTTP or
// through AWS Bedrock, and hands back an identity-encoded body.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/felipepmaragno/omnikit/internal/protocol"
)

const BedrockScheme = "bedrock://"

type Request struct {
	Channel *domain.Channel
	Key     string
	Body    []byte
	Header  http.Header
	Stream  bool
}

// Response is an upstream answer of any status. Body must be closed.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// IsStream reports whether the body is a server-sent event stream.
func (r *Response) IsStream() bool {
	return strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "text/event-stream")
}

func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Transport sends a converted request. Failures to obtain any response are
// returned as *domain.UpstreamError; non-2xx answers are returned as a
// Response.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Router picks the Bedrock transport for bedrock:// channels and HTTP for
// everything else.
type Router struct {
	HTTP    Transport
	Bedrock Transport
}

func (r *Router) Do(ctx context.Context, req Request) (*Response, error) {
	if strings.HasPrefix(req.Channel.BaseURL, BedrockScheme) {
		if r.Bedrock == nil {
			return nil, &domain.UpstreamError{Err: errors.New("bedrock transport is not configured")}
		}
		return r.Bedrock.Do(ctx, req)
	}
	return r.HTTP.Do(ctx, req)
}

type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = DefaultClient()
	}
	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	url := protocol.UpstreamURL(req.Channel.BaseURL, req.Channel.Format)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &domain.UpstreamError{Err: err}
	}
	for _, name := range protocol.ForwardedHeaders {
		if v := req.Header.Get(name); v != "" {
			httpReq.Header.Set(name, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", AcceptEncoding)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	protocol.SetAuth(httpReq.Header, req.Channel.Format, req.Key)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}

	body, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, &domain.UpstreamError{Status: resp.StatusCode, Err: err}
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func transportError(err error) error {
	ue := &domain.UpstreamError{Err: err}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		ue.Timeout = true
	}
	return ue
}
