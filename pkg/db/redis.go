package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fundlane/fundlane/pkg/model"
)

// Redis is an alternative Storage backend for deployments that already
// run a Redis server. Semantics match the Badger backend.
type Redis struct {
	client *redis.Client
}

var _ Storage = (*Redis)(nil)

func NewRedis(config *Config) (*Redis, error) {
	if config.Redis == nil {
		return nil, errors.New("redis configuration is required")
	}

	log.Infof("connecting to redis at %q", config.Redis.Addr)

	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	if err := client.Ping().Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	r := &Redis{client: client}

	data, err := json.Marshal(CurrentVersion)
	if err != nil {
		return nil, err
	}

	if err := client.SetNX(r.getKey(versionKey), data, 0).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to write database version")
	}

	return r, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Version() (int, error) {
	var version = -1
	err := r.get(r.getKey(versionKey), &version)
	return version, err
}

func (r *Redis) Create(_ context.Context, key string, obj interface{}, ttl time.Duration) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize object for key %q", key)
	}

	ok, err := r.client.SetNX(r.getKey(key), data, ttl).Result()
	if err != nil {
		return err
	}

	if !ok {
		return model.ErrAlreadyExists
	}

	return nil
}

func (r *Redis) Put(_ context.Context, key string, obj interface{}, ttl time.Duration) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize object for key %q", key)
	}

	return r.client.Set(r.getKey(key), data, ttl).Err()
}

func (r *Redis) Get(_ context.Context, key string, out interface{}) error {
	return r.get(r.getKey(key), out)
}

func (r *Redis) Delete(_ context.Context, key string) error {
	return r.client.Del(r.getKey(key)).Err()
}

func (r *Redis) Walk(_ context.Context, prefix string, cb func(key string, data []byte) error) error {
	iter := r.client.Scan(0, r.getKey(prefix)+"*", 100).Iterator()

	for iter.Next() {
		fullKey := iter.Val()

		data, err := r.client.Get(fullKey).Bytes()
		if err == redis.Nil {
			// Key expired between scan and read
			continue
		} else if err != nil {
			return err
		}

		if err := cb(r.trimKey(fullKey), data); err != nil {
			return err
		}
	}

	return iter.Err()
}

func (r *Redis) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	var (
		cmd     *redis.IntCmd
		fullKey = r.getKey(key)
	)

	_, err := r.client.TxPipelined(func(p redis.Pipeliner) error {
		cmd = p.Incr(fullKey)
		if ttl > 0 {
			p.Expire(fullKey, ttl)
		}
		return nil
	})

	if err != nil {
		return 0, err
	}

	return cmd.Result()
}

func (r *Redis) get(fullKey string, out interface{}) error {
	data, err := r.client.Get(fullKey).Bytes()
	if err == redis.Nil {
		return model.ErrNotFound
	} else if err != nil {
		return err
	}

	return json.Unmarshal(data, out)
}

func (r *Redis) getKey(key string) string {
	return fmt.Sprintf("fundlane/v%d/%s", CurrentVersion, key)
}

func (r *Redis) trimKey(fullKey string) string {
	return strings.TrimPrefix(fullKey, fmt.Sprintf("fundlane/v%d/", CurrentVersion))
}
