package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/felipepmaragno/omnikit/internal/metrics"
	"github.com/felipepmaragno/omnikit/internal/protocol"
	"github.com/felipepmaragno/omnikit/internal/rules"
	"github.com/felipepmaragno/omnikit/internal/sse"
	"github.com/felipepmaragno/omnikit/internal/upstream"
)

// relay forwards an upstream event stream as it arrives, converting each
// event when a rule is set. Once the status line is out, failures end the
// stream and are only recorded in the log.
func (d *Dispatcher) relay(ctx context.Context, w http.ResponseWriter, x *exchange, resp *upstream.Response, rule *rules.Compiled, vars []byte) error {
	src, dst := string(x.in.Format), string(x.route.Channel.Format)

	var conv *rules.StreamConverter
	if rule != nil {
		if conv = rule.NewStreamConverter(vars); conv == nil {
			return fmt.Errorf("%w: %s -> %s has no stream template", domain.ErrNoConversionRule, src, dst)
		}
	}

	protocol.CopyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.Status)
	x.written = true
	x.log.Status = resp.Status

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	usage := protocol.NewStreamUsage(x.route.Channel.Format)
	captured := newCappedBuffer(d.bodyLimit)
	defer func() {
		x.usage = usage.Usage()
		x.log.ResponseBody = captured.String()
	}()

	emit := func(events []sse.Event) bool {
		for _, ev := range events {
			b := ev.Encode()
			captured.Write(b)
			if _, err := w.Write(b); err != nil {
				x.log.Status = protocol.StatusClientClosed
				x.log.Error = "client closed request"
				return false
			}
		}
		flush()
		return true
	}

	reader := sse.NewReader(resp.Body)
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				x.log.Status = protocol.StatusClientClosed
				x.log.Error = "client closed request"
				return nil
			}
			x.log.Error = fmt.Sprintf("upstream stream interrupted: %v", err)
			d.logger.Warn("upstream stream interrupted", "request_id", x.in.RequestID, "channel_id", x.channelID(), "error", err)
			return nil
		}

		usage.Observe(ev)
		out := []sse.Event{ev}
		if conv != nil {
			if out, err = conv.Convert(ev); err != nil {
				metrics.RecordRuleExecution(src, dst, "stream", err)
				x.log.Error = err.Error()
				d.logger.Error("stream conversion failed", "request_id", x.in.RequestID, "channel_id", x.channelID(), "error", err)
				return nil
			}
		}
		if !emit(out) {
			return nil
		}
		if conv != nil && conv.Done() {
			break
		}
	}

	if conv != nil {
		out, err := conv.Finish()
		metrics.RecordRuleExecution(src, dst, "stream", err)
		if err != nil {
			x.log.Error = err.Error()
			d.logger.Error("stream conversion failed", "request_id", x.in.RequestID, "channel_id", x.channelID(), "error", err)
			return nil
		}
		emit(out)
	}
	return nil
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	buf   []byte
	limit int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{buf: make([]byte, 0, min(limit, 4096)), limit: limit}
}

func (c *cappedBuffer) Write(p []byte) {
	if room := c.limit - len(c.buf); room > 0 {
		c.buf = append(c.buf, p[:min(room, len(p))]...)
	}
}

func (c *cappedBuffer) String() string {
	return string(c.buf)
}
