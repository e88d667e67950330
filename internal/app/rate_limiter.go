/**
 * @description
 * Write quotas for the campaign API. Every caller has one counter per write kind
 * (launch, pledge, claim and so on) and one aggregate counter over all of their writes.
 * Both live in Redis under a fixed window, so the quota holds across every replica.
 *
 * @notes
 * - A caller's counters share a hash tag, so the script's keys land in one Redis
 *   Cluster slot.
 * - A limiter without a client counts nothing and admits everything.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: scripted counters.
 */

package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/transfa/crowdfunding-service/internal/domain"
)

// WriteKind names one class of state-changing request.
type WriteKind string

const (
	WriteLaunch   WriteKind = "launch"
	WriteCancel   WriteKind = "cancel"
	WritePledge   WriteKind = "pledge"
	WriteUnpledge WriteKind = "unpledge"
	WriteClaim    WriteKind = "claim"
	WriteRefund   WriteKind = "refund"
	WriteAdmin    WriteKind = "admin"
)

// KEYS[1] counts one kind, KEYS[2] counts every write. Returns both counts and the
// milliseconds until the later of the two windows closes.
var writeQuotaScript = redis.NewScript(`
local window = tonumber(ARGV[1])
local kind = redis.call("INCR", KEYS[1])
if kind == 1 then
  redis.call("PEXPIRE", KEYS[1], window)
end
local total = redis.call("INCR", KEYS[2])
if total == 1 then
  redis.call("PEXPIRE", KEYS[2], window)
end
local ttl = redis.call("PTTL", KEYS[1])
local totalTTL = redis.call("PTTL", KEYS[2])
if totalTTL > ttl then
  ttl = totalTTL
end
if ttl < 0 then
  ttl = window
end
return {kind, total, ttl}
`)

// WriteQuota is a caller's usage in the current window, including the write just counted.
type WriteQuota struct {
	KindCount         int
	TotalCount        int
	RetryAfterSeconds int
}

// WriteLimits bounds a caller's writes per window. Zero means unbounded.
type WriteLimits struct {
	Total   int
	PerKind map[WriteKind]int
}

// Enabled reports whether any limit is set.
func (l WriteLimits) Enabled() bool {
	if l.Total > 0 {
		return true
	}
	for _, n := range l.PerKind {
		if n > 0 {
			return true
		}
	}
	return false
}

// Exceeded reports whether q is over the aggregate limit or the limit for kind.
func (l WriteLimits) Exceeded(kind WriteKind, q WriteQuota) bool {
	if l.Total > 0 && q.TotalCount > l.Total {
		return true
	}
	if n := l.PerKind[kind]; n > 0 && q.KindCount > n {
		return true
	}
	return false
}

// WriteLimiter counts a caller's writes over a fixed window.
type WriteLimiter interface {
	ConsumeWrite(ctx context.Context, caller domain.Address, kind WriteKind, window time.Duration) (WriteQuota, error)
}

// RedisWriteLimiter implements WriteLimiter with Redis counters.
type RedisWriteLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisWriteLimiter(client redis.UniversalClient, prefix string) *RedisWriteLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "crowdfunding:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisWriteLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

// Keys returns the per-kind and aggregate counter keys for caller.
func (r *RedisWriteLimiter) Keys(caller domain.Address, kind WriteKind) (kindKey, totalKey string) {
	base := fmt.Sprintf("%s:writes:{%s}", r.prefix, strings.TrimSpace(caller.String()))
	return base + ":" + strings.TrimSpace(string(kind)), base + ":all"
}

// ConsumeWrite counts one write of kind by caller.
func (r *RedisWriteLimiter) ConsumeWrite(ctx context.Context, caller domain.Address, kind WriteKind, window time.Duration) (WriteQuota, error) {
	if r == nil || r.client == nil || window <= 0 {
		return WriteQuota{}, nil
	}
	if caller.IsZero() || strings.TrimSpace(string(kind)) == "" {
		return WriteQuota{}, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	kindKey, totalKey := r.Keys(caller, kind)
	rawResult, err := writeQuotaScript.Run(ctx, r.client, []string{kindKey, totalKey}, windowMs).Result()
	if err != nil {
		return WriteQuota{}, fmt.Errorf("failed to count %s write: %w", kind, err)
	}
	return parseWriteQuota(rawResult, windowMs)
}

func parseWriteQuota(raw interface{}, windowMs int64) (WriteQuota, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return WriteQuota{}, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	counts := make([]int64, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return WriteQuota{}, fmt.Errorf("unexpected redis limiter value %d type: %T", i, v)
		}
		counts[i] = n
	}

	ttlMs := counts[2]
	if ttlMs < 0 {
		ttlMs = windowMs
	}
	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return WriteQuota{KindCount: int(counts[0]), TotalCount: int(counts[1]), RetryAfterSeconds: retryAfter}, nil
}
