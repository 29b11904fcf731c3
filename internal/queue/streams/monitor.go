package streams

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// LagMetrics captures queue lag and pending state for a consumer group.
// Lag is -1 when the group does not exist yet.
type LagMetrics struct {
	Stream     string        `json:"stream"`
	Length     int64         `json:"length"`
	Pending    int64         `json:"pending"`
	Lag        int64         `json:"lag"`
	Consumers  int64         `json:"consumers"`
	OldestIdle time.Duration `json:"oldest_idle"`
}

// GroupLag returns lag metrics for the provided stream/group. The booking ops
// dashboard polls this for both booking streams.
func GroupLag(ctx context.Context, client *redis.Client, stream, group string) (LagMetrics, error) {
	if client == nil {
		return LagMetrics{}, fmt.Errorf("redis client is nil")
	}
	if stream == "" {
		return LagMetrics{}, fmt.Errorf("stream is required")
	}
	if group == "" {
		return LagMetrics{}, fmt.Errorf("group is required")
	}

	metrics := LagMetrics{Stream: stream, Lag: -1}
	length, err := client.XLen(ctx, stream).Result()
	if err != nil && err != redis.Nil {
		return LagMetrics{}, fmt.Errorf("xlen: %w", err)
	}
	metrics.Length = length

	groups, err := client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		// XINFO errors when the stream has never been written to.
		if strings.Contains(err.Error(), "no such key") {
			return metrics, nil
		}
		return LagMetrics{}, fmt.Errorf("xinfo groups: %w", err)
	}
	for _, info := range groups {
		if info.Name != group {
			continue
		}
		metrics.Pending = info.Pending
		metrics.Lag = info.Lag
		metrics.Consumers = int64(info.Consumers)
		break
	}

	if metrics.Pending > 0 {
		entries, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  1,
		}).Result()
		if err != nil && err != redis.Nil {
			return LagMetrics{}, fmt.Errorf("xpendingext: %w", err)
		}
		if len(entries) > 0 {
			metrics.OldestIdle = entries[0].Idle
		}
	}

	return metrics, nil
}
