package circuitbreaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Breaker state lives in one hash per channel:
//   state, failures, window_start (ms), open_until (ms), trial ("1" while a
//   half-open probe is in flight).
// Times come from the Redis server clock so instances agree on deadlines.

const luaNow = `
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
`

// allowScript returns {from, to, retry_after_ms, trial}.
// Args: [half_open_retry_ms]
var allowScript = redis.NewScript(luaNow + `
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'

if state == 'open' then
    local openUntil = tonumber(redis.call('HGET', KEYS[1], 'open_until') or '0')
    if now < openUntil then
        return {state, state, openUntil - now, 0}
    end
    redis.call('HSET', KEYS[1], 'state', 'half-open', 'trial', '1')
    return {state, 'half-open', 0, 1}
end

if state == 'half-open' then
    if redis.call('HGET', KEYS[1], 'trial') == '1' then
        return {state, state, tonumber(ARGV[1]), 0}
    end
    redis.call('HSET', KEYS[1], 'trial', '1')
    return {state, state, 0, 1}
end

return {state, state, 0, 0}
`)

// recordSuccessScript returns {from, to}.
// Args: [trial]
var recordSuccessScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'

if state == 'closed' then
    redis.call('HSET', KEYS[1], 'failures', 0, 'window_start', 0)
    return {state, state}
end

if state == 'half-open' and ARGV[1] == '1' then
    redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', 0, 'window_start', 0, 'trial', '0')
    return {state, 'closed'}
end

return {state, state}
`)

// recordFailureScript returns {from, to}.
// Args: [failure_threshold, window_ms, cooldown_ms, trial]
var recordFailureScript = redis.NewScript(luaNow + `
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'

local function open()
    redis.call('HSET', KEYS[1], 'state', 'open', 'open_until', now + tonumber(ARGV[3]),
        'failures', 0, 'window_start', 0, 'trial', '0')
end

if state == 'closed' then
    local windowStart = tonumber(redis.call('HGET', KEYS[1], 'window_start') or '0')
    local failures = tonumber(redis.call('HGET', KEYS[1], 'failures') or '0')
    if windowStart == 0 or now - windowStart > tonumber(ARGV[2]) then
        windowStart = now
        failures = 0
    end
    failures = failures + 1
    if failures >= tonumber(ARGV[1]) then
        open()
        return {state, 'open'}
    end
    redis.call('HSET', KEYS[1], 'failures', failures, 'window_start', windowStart)
    return {state, state}
end

if state == 'half-open' and ARGV[4] == '1' then
    open()
    return {state, 'open'}
end

return {state, state}
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'half-open' then
    redis.call('HSET', KEYS[1], 'trial', '0')
end
return 0
`)

// RedisCircuitBreaker shares one channel's breaker between gateway
// instances. Redis errors fail open.
type RedisCircuitBreaker struct {
	client    *redis.Client
	channelID string
	config    Config
	onChange  TransitionFunc
	key       string
}

func NewRedis(client *redis.Client, channelID string, cfg Config, onChange TransitionFunc) *RedisCircuitBreaker {
	return &RedisCircuitBreaker{
		client:    client,
		channelID: channelID,
		config:    cfg,
		onChange:  onChange,
		key:       fmt.Sprintf("omnikit:cb:%s", channelID),
	}
}

func (cb *RedisCircuitBreaker) Allow(ctx context.Context) (Permit, error) {
	res, err := allowScript.Run(ctx, cb.client, []string{cb.key}, halfOpenRetry.Milliseconds()).Slice()
	if err != nil || len(res) != 4 {
		return Permit{}, nil
	}
	cb.notify(res[0], res[1])

	if toInt(res[3]) == 1 {
		return Permit{Trial: true}, nil
	}
	if retry := toInt(res[2]); retry > 0 {
		return Permit{}, &OpenError{ChannelID: cb.channelID, RetryAfter: time.Duration(retry) * time.Millisecond}
	}
	return Permit{}, nil
}

func (cb *RedisCircuitBreaker) RecordSuccess(ctx context.Context, p Permit) {
	res, err := recordSuccessScript.Run(ctx, cb.client, []string{cb.key}, trialArg(p)).Slice()
	if err == nil && len(res) == 2 {
		cb.notify(res[0], res[1])
	}
}

func (cb *RedisCircuitBreaker) RecordFailure(ctx context.Context, p Permit) {
	args := []interface{}{
		cb.config.FailureThreshold,
		cb.config.Window.Milliseconds(),
		cb.config.cooldown().Milliseconds(),
		trialArg(p),
	}
	res, err := recordFailureScript.Run(ctx, cb.client, []string{cb.key}, args...).Slice()
	if err == nil && len(res) == 2 {
		cb.notify(res[0], res[1])
	}
}

func (cb *RedisCircuitBreaker) Release(ctx context.Context, p Permit) {
	if p.Trial {
		releaseScript.Run(ctx, cb.client, []string{cb.key})
	}
}

func (cb *RedisCircuitBreaker) Status(ctx context.Context) Status {
	s := Status{ChannelID: cb.channelID, State: StateClosed.String()}
	fields, err := cb.client.HGetAll(ctx, cb.key).Result()
	if err != nil {
		return s
	}
	state := parseState(fields["state"])
	s.State = state.String()
	s.Failures, _ = strconv.Atoi(fields["failures"])
	if state == StateOpen {
		if ms, err := strconv.ParseInt(fields["open_until"], 10, 64); err == nil {
			s.OpenUntil = time.UnixMilli(ms)
		}
	}
	return s
}

// Reset deletes the channel's hash, which reads back as Closed.
func (cb *RedisCircuitBreaker) Reset(ctx context.Context) error {
	from := cb.Status(ctx).State
	if err := cb.client.Del(ctx, cb.key).Err(); err != nil {
		return err
	}
	cb.notify(from, StateClosed.String())
	return nil
}

func (cb *RedisCircuitBreaker) notify(from, to interface{}) {
	f, _ := from.(string)
	t, _ := to.(string)
	if f != t && cb.onChange != nil {
		cb.onChange(cb.channelID, parseState(f), parseState(t))
	}
}

func trialArg(p Permit) string {
	if p.Trial {
		return "1"
	}
	return "0"
}

func toInt(v interface{}) int64 {
	n, _ := v.(int64)
	return n
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}
