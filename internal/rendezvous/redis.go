package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/bit2swaz/meshsync/internal/apperr"
)

// RedisStore shares rendezvous entries through Redis so that a joiner on
// another device can resolve a code and deposit its answer. Expiry is left
// to Redis key TTLs; answers queue in a list per code.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	codeLen int
	breaker *gobreaker.CircuitBreaker
}

// NewRedisStore connects to redisURL and checks reachability.
func NewRedisStore(redisURL string, ttl time.Duration, codeLen int, log *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, ttl, codeLen, log), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration, codeLen int, log *zap.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if codeLen <= 0 {
		codeLen = DefaultCodeLength
	}
	if log == nil {
		log = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rendezvous-redis",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &RedisStore{
		client:  client,
		prefix:  "rdv:",
		ttl:     ttl,
		codeLen: codeLen,
		breaker: cb,
	}
}

func (s *RedisStore) offerKey(code string) string  { return s.prefix + "offer:" + code }
func (s *RedisStore) answerKey(code string) string { return s.prefix + "answer:" + code }

func (s *RedisStore) exec(fn func() (interface{}, error)) (interface{}, error) {
	v, err := s.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("rendezvous backend unavailable: %w", err)
	}
	return v, err
}

func (s *RedisStore) Put(ctx context.Context, kind Kind, payload string) (string, error) {
	if kind != KindOffer {
		return "", apperr.New(apperr.KindValidation, "rendezvous put", "answers are deposited with PutFor")
	}
	v, err := s.exec(func() (interface{}, error) {
		for attempt := 0; attempt < maxCodeAttempts; attempt++ {
			code, err := GenerateCode(s.codeLen)
			if err != nil {
				return nil, fmt.Errorf("generate code: %w", err)
			}
			ok, err := s.client.SetNX(ctx, s.offerKey(code), payload, s.ttl).Result()
			if err != nil {
				return nil, fmt.Errorf("store offer: %w", err)
			}
			if ok {
				return code, nil
			}
		}
		return nil, fmt.Errorf("no free rendezvous code after %d attempts", maxCodeAttempts)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *RedisStore) PutFor(ctx context.Context, code string, kind Kind, payload string) error {
	if kind != KindAnswer {
		return apperr.New(apperr.KindValidation, "rendezvous put", "only answers are deposited under an existing code")
	}
	code = NormalizeCode(code)
	var miss bool
	_, err := s.exec(func() (interface{}, error) {
		n, err := s.client.Exists(ctx, s.offerKey(code)).Result()
		if err != nil {
			return nil, fmt.Errorf("check offer: %w", err)
		}
		if n == 0 {
			miss = true
			return nil, nil
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, s.answerKey(code), payload)
			pipe.Expire(ctx, s.answerKey(code), s.ttl)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("store answer: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	if miss {
		return apperr.New(apperr.KindRendezvousMiss, "rendezvous put", "offer "+code+" not found or expired")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, code string, kind Kind) (string, bool, error) {
	code = NormalizeCode(code)
	var cmd func() (string, error)
	switch kind {
	case KindOffer:
		cmd = func() (string, error) { return s.client.Get(ctx, s.offerKey(code)).Result() }
	case KindAnswer:
		cmd = func() (string, error) { return s.client.LPop(ctx, s.answerKey(code)).Result() }
	default:
		return "", false, apperr.New(apperr.KindValidation, "rendezvous get", "unknown kind "+string(kind))
	}

	v, err := s.exec(func() (interface{}, error) {
		payload, err := cmd()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		if err != nil {
			return nil, fmt.Errorf("lookup %s %s: %w", kind, code, err)
		}
		return payload, nil
	})
	if err != nil {
		return "", false, err
	}
	payload := v.(string)
	return payload, payload != "", nil
}

// Sweep is a no-op: Redis expires keys on its own.
func (s *RedisStore) Sweep(context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
