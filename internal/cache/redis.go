package cache

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/headline-goat/price-goat/internal/store"
)

const keyPrefix = "pricegoat:armstats:"

// Connect builds a client from either a redis:// URL or a bare host:port and
// checks it with a PING.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.Contains(redisURL, "://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, err
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, &store.TransientStoreError{Op: "connect redis", Err: err}
	}
	return client, nil
}

// RedisStats stores arm counters in one hash per arm and increments them with
// HINCRBY, so concurrent writers from several instances never race.
type RedisStats struct {
	client *redis.Client
}

func NewRedisStats(client *redis.Client) *RedisStats {
	return &RedisStats{client: client}
}

func (s *RedisStats) IncrArmStats(ctx context.Context, armID string, d store.StatsDelta) error {
	key := keyPrefix + armID
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if d.Impressions != 0 {
			p.HIncrBy(ctx, key, "impressions", d.Impressions)
		}
		if d.Conversions != 0 {
			p.HIncrBy(ctx, key, "conversions", d.Conversions)
		}
		if d.RevenueCents != 0 {
			p.HIncrBy(ctx, key, "revenue_cents", d.RevenueCents)
		}
		p.HSet(ctx, key, "updated_at", time.Now().UnixMilli())
		return nil
	})
	return classify("increment arm stats", err)
}

func (s *RedisStats) GetArmStats(ctx context.Context, armIDs []string) (map[string]store.ArmStats, error) {
	out := make(map[string]store.ArmStats, len(armIDs))
	if len(armIDs) == 0 {
		return out, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(armIDs))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range armIDs {
			cmds[i] = p.HGetAll(ctx, keyPrefix+id)
		}
		return nil
	})
	if err != nil {
		return nil, classify("get arm stats", err)
	}

	for i, id := range armIDs {
		data := cmds[i].Val()
		if len(data) == 0 {
			continue
		}
		st := store.ArmStats{ArmID: id}
		st.Impressions = parseInt(data["impressions"])
		st.Conversions = parseInt(data["conversions"])
		st.RevenueCents = parseInt(data["revenue_cents"])
		if ms := parseInt(data["updated_at"]); ms > 0 {
			st.UpdatedAt = time.UnixMilli(ms)
		}
		out[id] = st
	}
	return out, nil
}

func (s *RedisStats) SetArmStats(ctx context.Context, st store.ArmStats) error {
	err := s.client.HSet(ctx, keyPrefix+st.ArmID,
		"impressions", st.Impressions,
		"conversions", st.Conversions,
		"revenue_cents", st.RevenueCents,
		"updated_at", time.Now().UnixMilli(),
	).Err()
	return classify("set arm stats", err)
}

func parseInt(raw string) int64 {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// classify maps network and timeout failures to TransientStoreError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
		return &store.TransientStoreError{Op: op, Err: err}
	}
	return err
}
