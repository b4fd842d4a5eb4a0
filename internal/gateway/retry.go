package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/felipepmaragno/omnikit/internal/protocol"
)

type RetryResult struct {
	LogID  string
	Status int
	Body   []byte
	Header http.Header
}

// Retry replays a logged request through Dispatch with the token's current
// key. The new log entry points back at logID.
func (d *Dispatcher) Retry(ctx context.Context, logID string) (*RetryResult, error) {
	if d.logs == nil {
		return nil, fmt.Errorf("%w: request logs are not available", domain.ErrInvalidRequest)
	}
	l, err := d.logs.GetLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	if l.RequestBody == "" || !l.InputFormat.IsClientFacing() || l.TokenID == "" {
		return nil, fmt.Errorf("%w: log %s cannot be replayed", domain.ErrInvalidRequest, logID)
	}

	tok, err := d.tokens.GetToken(ctx, l.TokenID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: token %s no longer exists", domain.ErrUnauthorized, l.TokenID)
	}
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok.Key)
	header.Set("Content-Type", "application/json")

	rec := newRecorder()
	d.Dispatch(ctx, rec, Inbound{
		Format:  l.InputFormat,
		Header:  header,
		Body:    []byte(l.RequestBody),
		RetryOf: l.ID,
	})
	status := rec.status
	if status == 0 {
		// nothing was written: the caller went away mid-replay
		status = protocol.StatusClientClosed
	}
	return &RetryResult{
		LogID:  rec.Header().Get("X-Request-ID"),
		Status: status,
		Body:   rec.body.Bytes(),
		Header: rec.header,
	}, nil
}

// recorder is an in-process http.ResponseWriter for replays.
type recorder struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newRecorder() *recorder {
	return &recorder{header: http.Header{}}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(p)
}

func (r *recorder) Flush() {}
