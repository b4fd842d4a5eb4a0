package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/omnikit/internal/circuitbreaker"
	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/felipepmaragno/omnikit/internal/metrics"
	"github.com/felipepmaragno/omnikit/internal/protocol"
	"github.com/felipepmaragno/omnikit/internal/router"
	"github.com/felipepmaragno/omnikit/internal/rules"
	"github.com/felipepmaragno/omnikit/internal/telemetry"
	"github.com/felipepmaragno/omnikit/internal/upstream"
)

// Inbound is one client call in a client-facing format.
type Inbound struct {
	Format    domain.Format
	Header    http.Header
	Body      []byte
	RequestID string
	RetryOf   string
	// ReadErr is set when the body could not be read in full. Body then
	// holds what was read, and the call fails as invalid once the caller
	// has authenticated.
	ReadErr error
}

// exchange is the state of one call as it moves through Dispatch.
type exchange struct {
	in    Inbound
	log   *domain.RequestLog
	token *domain.Token
	route *router.Route

	breaker circuitbreaker.CircuitBreaker
	permit  circuitbreaker.Permit
	settled bool

	reached    bool
	written    bool
	usage      domain.Usage
	retryAfter time.Duration
}

func (x *exchange) channelID() string {
	if x.route == nil {
		return ""
	}
	return x.route.Channel.ID
}

// Dispatch serves one inbound call and writes the answer to w. It never
// returns an error: failures before the response starts are rendered in the
// client's error envelope, later ones are recorded in the request log.
func (d *Dispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, in Inbound) {
	start := d.now()
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", in.RequestID)

	ctx, span := telemetry.StartSpan(ctx, "gateway.dispatch")
	defer span.End()

	x := &exchange{
		in: in,
		log: &domain.RequestLog{
			ID:          in.RequestID,
			InputFormat: in.Format,
			RequestBody: requestBody(in, d.bodyLimit),
			RetryOf:     in.RetryOf,
			CreatedAt:   start.UTC(),
		},
	}

	err := d.run(ctx, w, x)
	if x.breaker != nil && !x.settled {
		x.breaker.Release(context.WithoutCancel(ctx), x.permit)
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("client closed request: %w (%v)", context.Canceled, err)
		}
		x.log.Error = err.Error()
		if x.written {
			x.log.Status = protocol.StatusFor(err)
		} else {
			x.log.Status = protocol.WriteError(w, in.Format, err, x.retryAfter)
		}
		telemetry.AddErrorAttribute(span, err)
	}

	d.finish(ctx, span, x, start)
}

func (d *Dispatcher) run(ctx context.Context, w http.ResponseWriter, x *exchange) error {
	span := trace.SpanFromContext(ctx)

	tok, err := d.authenticate(ctx, x)
	if err != nil {
		return err
	}
	x.token = tok

	if x.in.ReadErr != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, x.in.ReadErr)
	}

	model, stream, err := parseModel(x.in.Body)
	if err != nil {
		return err
	}
	x.log.Model = model
	x.log.Stream = stream
	telemetry.AddRequestAttributes(span, x.in.RequestID, string(x.in.Format), model)

	route, err := d.router.Resolve(ctx, model)
	if err != nil {
		return err
	}
	if !tok.AllowsModel(model) {
		return fmt.Errorf("%w: %s", domain.ErrModelNotAllowed, model)
	}
	x.route = route
	ch := route.Channel
	upstreamModel := route.Mapping.ActualName
	x.log.ChannelID = ch.ID
	x.log.UpstreamModel = upstreamModel
	x.log.OutputFormat = ch.Format
	telemetry.AddRouteAttributes(span, tok.ID, ch.ID, string(ch.Format), upstreamModel)

	if err := d.checkRate(ctx, x, ch); err != nil {
		return err
	}

	cb := d.breakers.Get(ch.ID)
	permit, err := cb.Allow(ctx)
	if err != nil {
		var open *circuitbreaker.OpenError
		if errors.As(err, &open) {
			x.retryAfter = open.RetryAfter
		}
		return err
	}
	x.breaker, x.permit = cb, permit

	key, err := d.router.PickKey(ctx, ch)
	if err != nil {
		return err
	}

	rule, body, err := d.convertRequest(x, ch, upstreamModel, stream)
	if err != nil {
		return err
	}

	x.reached = true
	resp, err := d.transport.Do(ctx, upstream.Request{
		Channel: ch,
		Key:     key.Value,
		Body:    body,
		Header:  x.in.Header,
		Stream:  stream,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("client closed request: %w", context.Canceled)
		}
		var ue *domain.UpstreamError
		if errors.As(err, &ue) && ue.Status != 0 {
			x.log.UpstreamStatus = ue.Status
		}
		d.recordFailure(ctx, x, upstreamErrorType(err))
		return err
	}
	defer resp.Body.Close()
	x.log.UpstreamStatus = resp.Status

	if !resp.OK() {
		d.recordFailure(ctx, x, "status_"+strconv.Itoa(resp.Status))
		return d.passThrough(ctx, w, x, resp)
	}
	x.breaker.RecordSuccess(context.WithoutCancel(ctx), x.permit)
	x.settled = true

	vars := d.vars(model)
	if resp.IsStream() {
		return d.relay(ctx, w, x, resp, rule, vars)
	}
	return d.respond(ctx, w, x, resp, rule, vars)
}

func (d *Dispatcher) authenticate(ctx context.Context, x *exchange) (*domain.Token, error) {
	key := protocol.ClientKey(x.in.Header, x.in.Format)
	if key == "" {
		return nil, fmt.Errorf("%w: missing API key", domain.ErrUnauthorized)
	}
	tok, err := d.tokens.GetTokenByKey(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: invalid API key", domain.ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	x.log.TokenID = tok.ID

	switch {
	case !tok.Enabled:
		return nil, fmt.Errorf("%w: token is disabled", domain.ErrUnauthorized)
	case tok.Expired(d.now()):
		return nil, fmt.Errorf("%w: token expired", domain.ErrUnauthorized)
	case tok.Exhausted():
		return nil, fmt.Errorf("%w: %d of %d units used", domain.ErrQuotaExceeded, tok.QuotaUsed, *tok.QuotaLimit)
	}
	return tok, nil
}

func parseModel(body []byte) (string, bool, error) {
	if !gjson.ValidBytes(body) {
		return "", false, fmt.Errorf("%w: body is not valid JSON", domain.ErrInvalidRequest)
	}
	m := gjson.GetBytes(body, "model")
	if m.Type != gjson.String || m.Str == "" {
		return "", false, fmt.Errorf("%w: model is required", domain.ErrInvalidRequest)
	}
	return m.Str, gjson.GetBytes(body, "stream").Bool(), nil
}

// checkRate fails open when the limiter backend is unavailable.
func (d *Dispatcher) checkRate(ctx context.Context, x *exchange, ch *domain.Channel) error {
	if ch.RateLimitRPM <= 0 || d.limiter == nil {
		return nil
	}
	allowed, _, resetAt, err := d.limiter.Allow(ctx, ch.ID, ch.RateLimitRPM)
	if err != nil {
		d.logger.Warn("rate limiter unavailable", "channel_id", ch.ID, "error", err)
		return nil
	}
	if allowed {
		return nil
	}
	metrics.RecordRateLimitHit(ch.ID)
	x.retryAfter = resetAt.Sub(d.now())
	return fmt.Errorf("%w: channel %s allows %d requests per minute", domain.ErrRateLimited, ch.Name, ch.RateLimitRPM)
}

// convertRequest returns the upstream body and, when the formats differ, the
// rule that must also convert the response.
func (d *Dispatcher) convertRequest(x *exchange, ch *domain.Channel, upstreamModel string, stream bool) (*rules.Compiled, []byte, error) {
	src, dst := x.in.Format, ch.Format
	if src == dst || dst == domain.FormatGeneric {
		body, err := rules.SetModel(x.in.Body, upstreamModel)
		return nil, body, err
	}

	pair := domain.Pair{Source: src, Target: dst}
	rule, ok := d.rules.Lookup(pair)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrNoConversionRule, pair)
	}
	if stream && !rule.HasStream() {
		return nil, nil, fmt.Errorf("%w: %s has no stream template", domain.ErrNoConversionRule, pair)
	}

	body, err := rule.ConvertRequest(x.in.Body, upstreamModel)
	metrics.RecordRuleExecution(string(src), string(dst), "request", err)
	if err != nil {
		d.logger.Error("request conversion failed", "request_id", x.in.RequestID, "pair", pair.String(), "error", err)
		return nil, nil, err
	}
	return rule, body, nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, x *exchange, kind string) {
	x.breaker.RecordFailure(context.WithoutCancel(ctx), x.permit)
	x.settled = true
	metrics.RecordUpstreamError(x.channelID(), kind)
}

func upstreamErrorType(err error) string {
	var ue *domain.UpstreamError
	switch {
	case errors.As(err, &ue) && ue.Timeout:
		return "timeout"
	case ue != nil && ue.Status != 0:
		return "bad_response"
	}
	return "unreachable"
}

// vars seeds $vars for response templates.
func (d *Dispatcher) vars(publicModel string) []byte {
	v, _ := sjson.SetBytes([]byte(`{}`), "model", publicModel)
	v, _ = sjson.SetBytes(v, "created", d.now().Unix())
	return v
}

// passThrough relays a non-2xx upstream answer unchanged.
func (d *Dispatcher) passThrough(ctx context.Context, w http.ResponseWriter, x *exchange, resp *upstream.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("client closed request: %w", context.Canceled)
		}
		return &domain.UpstreamError{Status: resp.Status, Err: fmt.Errorf("read upstream body: %w", err)}
	}

	protocol.CopyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.Status)
	x.written = true
	_, _ = w.Write(body)

	x.log.Status = resp.Status
	x.log.ResponseBody = capBody(body, d.bodyLimit)
	x.log.Error = fmt.Sprintf("upstream status %d", resp.Status)
	return nil
}

// respond converts and writes a buffered 2xx answer.
func (d *Dispatcher) respond(ctx context.Context, w http.ResponseWriter, x *exchange, resp *upstream.Response, rule *rules.Compiled, vars []byte) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("client closed request: %w", context.Canceled)
		}
		return &domain.UpstreamError{Err: fmt.Errorf("read upstream body: %w", err)}
	}
	x.usage = protocol.Usage(x.route.Channel.Format, raw)

	out := raw
	if rule != nil {
		out, err = rule.ConvertResponse(raw, vars)
		metrics.RecordRuleExecution(string(x.in.Format), string(x.route.Channel.Format), "response", err)
		if err != nil {
			x.log.ResponseBody = capBody(raw, d.bodyLimit)
			d.logger.Error("response conversion failed", "request_id", x.in.RequestID, "channel_id", x.channelID(), "error", err)
			return err
		}
	}

	protocol.CopyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	x.written = true
	x.log.Status = resp.Status
	if _, err := w.Write(out); err != nil && ctx.Err() != nil {
		x.log.Status = protocol.StatusClientClosed
		x.log.Error = "client closed request"
	}
	x.log.ResponseBody = capBody(out, d.bodyLimit)
	return nil
}

// finish records usage, metrics and the request log on a context that
// outlives the client connection.
func (d *Dispatcher) finish(ctx context.Context, span trace.Span, x *exchange, start time.Time) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.keepTime)
	defer cancel()

	latency := d.now().Sub(start)
	x.log.LatencyMs = latency.Milliseconds()
	x.log.PromptTokens = x.usage.PromptTokens
	x.log.CompletionTokens = x.usage.CompletionTokens

	if x.reached && x.token != nil {
		units := int64(x.usage.Total())
		if err := d.tokens.AddUsage(bg, x.token.ID, units); err != nil {
			d.logger.Error("failed to record token usage", "request_id", x.in.RequestID, "token_id", x.token.ID, "error", err)
		} else if d.quota != nil {
			tok := *x.token
			tok.QuotaUsed += units
			tok.RequestCount++
			d.quota.Check(bg, &tok)
		}
	}

	model := "unknown"
	if x.route != nil {
		model = x.log.Model
	}
	metrics.RecordRequest(string(x.in.Format), x.channelID(), model, strconv.Itoa(x.log.Status), latency.Seconds())
	if x.usage.Total() > 0 {
		metrics.RecordTokens(x.channelID(), model, int64(x.usage.PromptTokens), int64(x.usage.CompletionTokens))
	}
	telemetry.AddTokenAttributes(span, int64(x.usage.PromptTokens), int64(x.usage.CompletionTokens))
	telemetry.AddStatusAttribute(span, x.log.Status, x.log.Stream)

	if d.logbook != nil {
		d.logbook.Write(bg, x.log)
	}

	attrs := []any{
		"request_id", x.in.RequestID,
		"format", string(x.in.Format),
		"token_id", x.log.TokenID,
		"channel_id", x.log.ChannelID,
		"model", x.log.Model,
		"status", x.log.Status,
		"latency_ms", x.log.LatencyMs,
	}
	if traceID := telemetry.GetTraceID(bg); traceID != "" {
		attrs = append(attrs, "trace_id", traceID)
	}
	if x.log.Error != "" {
		attrs = append(attrs, "error", x.log.Error)
	}
	d.logger.Info("request completed", attrs...)
}

// requestBody keeps the full body for retries. A partially read body is
// only kept up to limit.
func requestBody(in Inbound, limit int) string {
	if in.ReadErr != nil {
		return capBody(in.Body, limit)
	}
	return string(in.Body)
}

func capBody(b []byte, limit int) string {
	if len(b) > limit {
		b = b[:limit]
	}
	return string(b)
}
