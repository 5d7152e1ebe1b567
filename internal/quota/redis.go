package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/newthinker/quotegate/internal/core"
	"github.com/redis/go-redis/v9"
)

// stateTTL outlives the day so late readers in other timezones still see it.
const stateTTL = 48 * time.Hour

// checkScript evaluates, and with ARGV[5] == "1" applies, one call.
//
//	KEYS[1] count key, KEYS[2] seen set
//	ARGV[1] budget, ARGV[2] dedupe flag, ARGV[3] resource key,
//	ARGV[4] ttl seconds, ARGV[5] commit flag
//
// Returns {allowed, reason, used}; reason 1 = already fetched, 2 = budget.
var checkScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
if ARGV[2] == '1' and redis.call('SISMEMBER', KEYS[2], ARGV[3]) == 1 then
	return {0, 1, used}
end
local budget = tonumber(ARGV[1])
if budget > 0 and used >= budget then
	return {0, 2, used}
end
if ARGV[5] == '1' then
	used = redis.call('INCR', KEYS[1])
	redis.call('EXPIRE', KEYS[1], ARGV[4])
	redis.call('SADD', KEYS[2], ARGV[3])
	redis.call('EXPIRE', KEYS[2], ARGV[4])
end
return {1, 0, used}
`)

// releaseScript undoes one reservation.
//
//	KEYS[1] count key, KEYS[2] seen set
//	ARGV[1] resource key, ARGV[2] dedupe flag, ARGV[3] refund flag
var releaseScript = redis.NewScript(`
if ARGV[2] == '1' then
	redis.call('SREM', KEYS[2], ARGV[1])
end
if ARGV[3] == '1' and tonumber(redis.call('GET', KEYS[1]) or '0') > 0 then
	redis.call('DECR', KEYS[1])
end
return 1
`)

// Redis is a Tracker shared by every instance pointed at the same server.
type Redis struct {
	client   redis.UniversalClient
	policies map[string]Policy
	opts     options
	prefix   string
}

// NewRedis creates a tracker on an existing client. The client is shared
// with other components and stays owned by the caller.
func NewRedis(client redis.UniversalClient, policies map[string]Policy, opts ...Option) *Redis {
	return &Redis{
		client:   client,
		policies: policies,
		opts:     buildOptions(opts),
		prefix:   "quotegate:quota:",
	}
}

// keys share a hash tag so the script touches a single cluster slot.
func (r *Redis) keys(provider, date string) (count, seen string) {
	tag := "{" + provider + ":" + date + "}"
	return r.prefix + tag + ":count", r.prefix + tag + ":seen"
}

func (r *Redis) run(ctx context.Context, provider, key string, commit bool) (Decision, error) {
	p := policyFor(r.policies, provider)
	date := r.opts.today()
	countKey, seenKey := r.keys(provider, date)

	res, err := checkScript.Run(ctx, r.client,
		[]string{countKey, seenKey},
		p.Budget, flag(p.Dedupe), key, int(stateTTL.Seconds()), flag(commit),
	).Int64Slice()
	if err != nil {
		return Decision{}, core.WrapError(core.ErrBackendDown, fmt.Errorf("quota script: %w", err))
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("quota script: unexpected reply %v", res)
	}

	d := Decision{Allowed: res[0] == 1, Reason: ReasonOK, Used: int(res[2]), Budget: p.Budget, Date: date}
	switch res[1] {
	case 1:
		d.Reason = ReasonAlreadyFetchedToday
	case 2:
		d.Reason = ReasonBudgetExhausted
	}
	return d, nil
}

func (r *Redis) CanCall(ctx context.Context, provider, key string) (Decision, error) {
	return r.run(ctx, provider, key, false)
}

func (r *Redis) RecordCall(ctx context.Context, provider, key string) (Decision, error) {
	return r.run(ctx, provider, key, true)
}

func (r *Redis) Release(ctx context.Context, res Reservation, refund bool) error {
	if res.Date != r.opts.today() {
		return nil
	}
	p := policyFor(r.policies, res.Provider)
	countKey, seenKey := r.keys(res.Provider, res.Date)
	err := releaseScript.Run(ctx, r.client,
		[]string{countKey, seenKey},
		res.Key, flag(p.Dedupe), flag(refund),
	).Err()
	if err != nil {
		return core.WrapError(core.ErrBackendDown, fmt.Errorf("quota release: %w", err))
	}
	return nil
}

func (r *Redis) State(ctx context.Context, provider string) (State, error) {
	date := r.opts.today()
	countKey, seenKey := r.keys(provider, date)

	pipe := r.client.Pipeline()
	countCmd := pipe.Get(ctx, countKey)
	seenCmd := pipe.SCard(ctx, seenKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return State{}, core.WrapError(core.ErrBackendDown, fmt.Errorf("reading quota state: %w", err))
	}

	used, err := countCmd.Int()
	if err != nil && err != redis.Nil {
		return State{}, fmt.Errorf("parsing call count: %w", err)
	}
	return State{
		Provider:  provider,
		Date:      date,
		CallCount: used,
		Budget:    policyFor(r.policies, provider).Budget,
		SeenKeys:  int(seenCmd.Val()),
	}, nil
}

func (r *Redis) Close() error { return nil }

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
