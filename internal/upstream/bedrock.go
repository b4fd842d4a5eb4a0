package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/felipepmaragno/omnikit/internal/sse"
)

// BedrockVersion replaces the anthropic-version header inside the body.
const BedrockVersion = "bedrock-2023-05-31"

// ChunkStream is the subset of the Bedrock event stream the transport reads.
type ChunkStream interface {
	Events() <-chan types.ResponseStream
	Close() error
	Err() error
}

type BedrockAPI interface {
	Invoke(ctx context.Context, modelID string, body []byte) ([]byte, error)
	InvokeStream(ctx context.Context, modelID string, body []byte) (ChunkStream, error)
}

// BedrockFactory builds a client for a region. key is the channel key; an
// "ACCESS_KEY:SECRET_KEY" value selects static credentials and an empty one
// the default AWS chain.
type BedrockFactory func(ctx context.Context, region, key string) (BedrockAPI, error)

type sdkBedrock struct {
	client *bedrockruntime.Client
}

func (s *sdkBedrock) Invoke(ctx context.Context, modelID string, body []byte) ([]byte, error) {
	out, err := s.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (s *sdkBedrock) InvokeStream(ctx context.Context, modelID string, body []byte) (ChunkStream, error) {
	out, err := s.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, err
	}
	return out.GetStream(), nil
}

// NewSDKBedrock is the production BedrockFactory.
func NewSDKBedrock(ctx context.Context, region, key string) (BedrockAPI, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if ak, sk, ok := strings.Cut(key, ":"); ok && ak != "" && sk != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(ak, sk, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &sdkBedrock{client: bedrockruntime.NewFromConfig(cfg)}, nil
}

type bedrockKey struct {
	region string
	key    string
}

// BedrockTransport serves anthropic-format channels whose base URL is
// bedrock://<region>. Streams are re-framed as anthropic SSE.
type BedrockTransport struct {
	factory BedrockFactory

	mu      sync.Mutex
	clients map[bedrockKey]BedrockAPI
}

func NewBedrockTransport(factory BedrockFactory) *BedrockTransport {
	if factory == nil {
		factory = NewSDKBedrock
	}
	return &BedrockTransport{factory: factory, clients: make(map[bedrockKey]BedrockAPI)}
}

func (t *BedrockTransport) client(ctx context.Context, region, key string) (BedrockAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := bedrockKey{region: region, key: key}
	if c, ok := t.clients[k]; ok {
		return c, nil
	}
	c, err := t.factory(ctx, region, key)
	if err != nil {
		return nil, err
	}
	t.clients[k] = c
	return c, nil
}

func (t *BedrockTransport) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Channel.Format != domain.FormatAnthropic {
		return nil, &domain.UpstreamError{Err: fmt.Errorf("bedrock channels must use the %s format", domain.FormatAnthropic)}
	}
	region := strings.Trim(strings.TrimPrefix(req.Channel.BaseURL, BedrockScheme), "/")
	if region == "" {
		return nil, &domain.UpstreamError{Err: errors.New("bedrock base URL has no region")}
	}

	modelID, body, err := bedrockBody(req.Body)
	if err != nil {
		return nil, &domain.UpstreamError{Err: err}
	}

	api, err := t.client(ctx, region, req.Key)
	if err != nil {
		return nil, &domain.UpstreamError{Err: err}
	}

	if !req.Stream {
		out, err := api.Invoke(ctx, modelID, body)
		if err != nil {
			return bedrockFailure(err)
		}
		return &Response{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": {"application/json"}},
			Body:   io.NopCloser(bytes.NewReader(out)),
		}, nil
	}

	stream, err := api.InvokeStream(ctx, modelID, body)
	if err != nil {
		return bedrockFailure(err)
	}
	pr, pw := io.Pipe()
	go pumpStream(stream, pw)
	return &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/event-stream"}},
		Body:   pr,
	}, nil
}

// bedrockBody moves model and stream out of an anthropic messages body.
func bedrockBody(body []byte) (string, []byte, error) {
	if !gjson.ValidBytes(body) {
		return "", nil, errors.New("bedrock request body is not JSON")
	}
	modelID := gjson.GetBytes(body, "model").String()
	if modelID == "" {
		return "", nil, errors.New("bedrock request has no model")
	}
	out, err := sjson.DeleteBytes(body, "model")
	if err == nil {
		out, err = sjson.DeleteBytes(out, "stream")
	}
	if err == nil {
		out, err = sjson.SetBytes(out, "anthropic_version", BedrockVersion)
	}
	if err != nil {
		return "", nil, fmt.Errorf("bedrock request body: %w", err)
	}
	return modelID, out, nil
}

func pumpStream(stream ChunkStream, pw *io.PipeWriter) {
	defer stream.Close()

	for event := range stream.Events() {
		chunk, ok := event.(*types.ResponseStreamMemberChunk)
		if !ok {
			continue
		}
		data := bytes.TrimSpace(chunk.Value.Bytes)
		ev := sse.Event{Event: gjson.GetBytes(data, "type").String(), Data: data}
		if _, err := pw.Write(ev.Encode()); err != nil {
			return
		}
	}
	if err := stream.Err(); err != nil {
		pw.CloseWithError(&domain.UpstreamError{Err: err})
		return
	}
	pw.Close()
}

// bedrockFailure turns SDK errors that carry an HTTP status into a
// non-2xx Response in the anthropic error envelope.
func bedrockFailure(err error) (*Response, error) {
	var re *awshttp.ResponseError
	if !errors.As(err, &re) || re.HTTPStatusCode() == 0 {
		return nil, transportError(err)
	}
	body, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "api_error",
			"message": re.Err.Error(),
		},
	})
	return &Response{
		Status: re.HTTPStatusCode(),
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   io.NopCloser(bytes.NewReader(body)),
	}, nil
}
