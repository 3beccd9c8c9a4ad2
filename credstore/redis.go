package credstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	fieldAccess  = "access"
	fieldRefresh = "refresh"
	fieldProfile = "profile"
)

// RedisStore keeps one session per namespace in a Redis hash.
//
// Token writes and profile writes go through MULTI/EXEC so readers never observe a new
// access token paired with a stale refresh token.
type RedisStore struct {
	redis     redis.UniversalClient
	prefix    string
	namespace string
	ttl       time.Duration
	log       logrus.FieldLogger
}

// NewRedisStore returns a store writing to "<prefix>:<namespace>". A ttl of zero keeps the
// hash until Clear is called.
func NewRedisStore(client redis.UniversalClient, prefix, namespace string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "gs"
	}
	if namespace == "" {
		namespace = "default"
	}
	return &RedisStore{
		redis:     client,
		prefix:    prefix,
		namespace: namespace,
		ttl:       ttl,
		log:       logrus.StandardLogger(),
	}
}

// WithLogger sets the logger used to report read failures.
func (s *RedisStore) WithLogger(l logrus.FieldLogger) *RedisStore {
	if l != nil {
		s.log = l
	}
	return s
}

func (s *RedisStore) key() string {
	return s.prefix + ":session:" + s.namespace
}

func (s *RedisStore) Load(ctx context.Context) (Credentials, bool) {
	vals, err := s.redis.HMGet(ctx, s.key(), fieldAccess, fieldRefresh).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.WithError(err).WithField("key", s.key()).Warn("credstore: redis load failed")
		}
		return Credentials{}, false
	}

	creds := Credentials{
		AccessToken:  hashString(vals, 0),
		RefreshToken: hashString(vals, 1),
	}
	if creds.Empty() {
		return Credentials{}, false
	}
	return creds, true
}

func (s *RedisStore) Save(ctx context.Context, creds Credentials) error {
	key := s.key()
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldAccess, creds.AccessToken, fieldRefresh, creds.RefreshToken)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return &StoreError{Op: "save", Backend: "redis", Err: err}
	}
	return nil
}

func (s *RedisStore) SaveSession(ctx context.Context, creds Credentials, profile []byte) error {
	key := s.key()
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		values := []any{fieldAccess, creds.AccessToken, fieldRefresh, creds.RefreshToken}
		if len(profile) > 0 {
			values = append(values, fieldProfile, profile)
		}
		pipe.HSet(ctx, key, values...)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return &StoreError{Op: "save_session", Backend: "redis", Err: err}
	}
	return nil
}

// SaveProfile updates the profile field of an existing session hash. Without a stored
// session there is nothing to attach the profile to and the call is a no-op.
func (s *RedisStore) SaveProfile(ctx context.Context, profile []byte) error {
	key := s.key()
	err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil || n == 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(profile) == 0 {
				pipe.HDel(ctx, key, fieldProfile)
				return nil
			}
			pipe.HSet(ctx, key, fieldProfile, profile)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return &StoreError{Op: "save_profile", Backend: "redis", Err: err}
	}
	return nil
}

func (s *RedisStore) Profile(ctx context.Context) ([]byte, bool) {
	data, err := s.redis.HGet(ctx, s.key(), fieldProfile).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.WithError(err).WithField("key", s.key()).Warn("credstore: redis profile read failed")
		}
		return nil, false
	}
	if len(data) == 0 {
		return nil, false
	}
	return data, true
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.key()).Err(); err != nil {
		return &StoreError{Op: "clear", Backend: "redis", Err: err}
	}
	return nil
}

func hashString(vals []any, i int) string {
	if i >= len(vals) || vals[i] == nil {
		return ""
	}
	v, _ := vals[i].(string)
	return v
}
