package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/park285/cheese-match-server/internal/domain"
	"github.com/park285/cheese-match-server/internal/obslog"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis stores each match as a JSON value under match:<code> with a per
// identity set index. Codes are reserved under match:code:<code> without a
// TTL, so a code stays unique after its record expires.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl < 0 {
		ttl = 0
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

// OpenRedis parses REDIS_URL, connects and pings.
func OpenRedis(ctx context.Context, redisURL string, ttl time.Duration) (*Redis, error) {
	opts, err := ParseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(rdb, ttl), nil
}

func keyMatch(code string) string   { return "match:" + NormalizeCode(code) }
func keyCode(code string) string    { return "match:code:" + NormalizeCode(code) }
func keyUserIdx(user string) string { return "match:index:user:" + strings.TrimSpace(user) }

func (s *Redis) Create(ctx context.Context, m *domain.Match) error {
	if m == nil || NormalizeCode(m.Code) == "" {
		return fmt.Errorf("store: match code required")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	reserved, err := s.rdb.SetNX(ctx, keyCode(m.Code), m.CreatedAt.Unix(), 0).Result()
	if err != nil {
		return err
	}
	if !reserved {
		return ErrCodeTaken
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keyMatch(m.Code), raw, s.ttl)
		s.queueIndex(ctx, pipe, m)
		return nil
	})
	if err != nil {
		if derr := s.rdb.Del(context.WithoutCancel(ctx), keyCode(m.Code), keyMatch(m.Code)).Err(); derr != nil {
			obslog.L().Warn("match_code_release_error", zap.String("code", m.Code), zap.Error(derr))
		}
		return err
	}
	return nil
}

func (s *Redis) Load(ctx context.Context, code string) (*domain.Match, error) {
	return s.load(ctx, s.rdb, code)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Redis) load(ctx context.Context, c getter, code string) (*domain.Match, error) {
	raw, err := c.Get(ctx, keyMatch(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var m domain.Match
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode match %s: %w", code, err)
	}
	return &m, nil
}

// Save writes the record under WATCH so two writers can never interleave a
// regression.
func (s *Redis) Save(ctx context.Context, m *domain.Match) error {
	if m == nil {
		return fmt.Errorf("store: nil match")
	}
	key := keyMatch(m.Code)
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, m.Code)
		if err != nil {
			return err
		}
		if err := checkForward(current, m); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, s.ttl)
			s.queueIndex(ctx, pipe, m)
			return nil
		})
		return err
	}, key)
}

func (s *Redis) queueIndex(ctx context.Context, pipe redis.Pipeliner, m *domain.Match) {
	for _, id := range participants(m) {
		pipe.SAdd(ctx, keyUserIdx(id), NormalizeCode(m.Code))
		if s.ttl > 0 {
			pipe.Expire(ctx, keyUserIdx(id), s.ttl)
		}
	}
}

// ListByIdentity returns the identity's matches, most recently updated first.
// Codes whose record expired are pruned from the index.
func (s *Redis) ListByIdentity(ctx context.Context, id string) ([]*domain.Match, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil
	}
	key := keyUserIdx(id)
	codes, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Match, 0, len(codes))
	for _, code := range codes {
		m, err := s.Load(ctx, code)
		if errors.Is(err, ErrNotFound) {
			if rerr := s.rdb.SRem(ctx, key, code).Err(); rerr != nil {
				obslog.L().Warn("match_index_prune_error", zap.String("code", code), zap.Error(rerr))
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sortRecent(out)
	return out, nil
}

func (s *Redis) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *Redis) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// ParseRedisURL accepts redis:// and rediss:// URLs with an optional /db path.
func ParseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redis db %q", p)
		}
		db = n
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Username: u.User.Username(), Password: pass, DB: db}, nil
}

func sortRecent(list []*domain.Match) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].Code < list[j].Code
	})
}
