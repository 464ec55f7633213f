package main

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/caddyserver/certmagic"
	"github.com/libdns/porkbun"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-envconfig"
)

const certPrefix = "relay:tls:"

// certStorage keeps certmagic state in redis so every relay on a domain
// shares one certificate.
type certStorage struct {
	rdb    *redis.Client
	locker *redislock.Client
	locks  sync.Map
}

func newCertStorage(rdb *redis.Client) *certStorage {
	return &certStorage{rdb: rdb, locker: redislock.New(rdb)}
}

func certKey(key string) string {
	return certPrefix + key
}

func (s *certStorage) Lock(ctx context.Context, name string) error {
	opts := &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(time.Second),
	}

	lock, err := s.locker.Obtain(ctx, certKey("lock:"+name), time.Minute, opts)
	if err != nil {
		return fmt.Errorf("lock %v: %w", name, err)
	}

	s.locks.Store(name, lock)
	return nil
}

func (s *certStorage) Unlock(ctx context.Context, name string) error {
	lock, ok := s.locks.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("no lock for %v", name)
	}

	return lock.(*redislock.Lock).Release(ctx)
}

func (s *certStorage) Store(ctx context.Context, key string, value []byte) error {
	hashmap := map[string]any{
		"modified": time.Now().Unix(),
		"data":     base64.RawURLEncoding.EncodeToString(value),
		"size":     len(value),
	}

	return s.rdb.HSet(ctx, certKey(key), hashmap).Err()
}

func (s *certStorage) Load(ctx context.Context, key string) ([]byte, error) {
	res, err := s.rdb.HGet(ctx, certKey(key), "data").Result()
	if err == redis.Nil {
		return nil, fs.ErrNotExist
	} else if err != nil {
		return nil, err
	}

	return base64.RawURLEncoding.DecodeString(res)
}

func (s *certStorage) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, certKey(key)).Err()
}

func (s *certStorage) Exists(ctx context.Context, key string) bool {
	res, err := s.rdb.Exists(ctx, certKey(key)).Result()
	return err == nil && res > 0
}

func (s *certStorage) List(ctx context.Context, prefix string, recursive bool) ([]string, error) {
	pattern := certKey(prefix)
	if recursive {
		pattern += "*"
	}

	keys, err := s.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, err
	}

	for i, key := range keys {
		keys[i] = strings.TrimPrefix(key, certPrefix)
	}

	return keys, nil
}

func (s *certStorage) Stat(ctx context.Context, key string) (certmagic.KeyInfo, error) {
	info := certmagic.KeyInfo{}

	res, err := s.rdb.HMGet(ctx, certKey(key), "modified", "size").Result()
	if err != nil {
		return info, err
	}

	if len(res) != 2 || res[0] == nil || res[1] == nil {
		return info, fs.ErrNotExist
	}

	modified, err := strconv.Atoi(res[0].(string))
	if err != nil {
		return info, err
	}

	size, err := strconv.Atoi(res[1].(string))
	if err != nil {
		return info, err
	}

	info.Key = key
	info.Modified = time.Unix(int64(modified), 0)
	info.Size = int64(size)
	info.IsTerminal = true

	return info, nil
}

type EnvTLS struct {
	PorkbunAPIKey    string `env:"PORKBUN_API_KEY,required"`
	PorkbunAPISecret string `env:"PORKBUN_API_SECRET,required"`
}

func TLSConfig(ctx context.Context, domain string, rdb *redis.Client) (*tls.Config, error) {
	env := EnvTLS{}
	if err := envconfig.Process(ctx, &env); err != nil {
		return nil, err
	}

	certmagic.DefaultACME.DNS01Solver = &certmagic.DNS01Solver{
		DNSProvider: &porkbun.Provider{
			APIKey:       env.PorkbunAPIKey,
			APISecretKey: env.PorkbunAPISecret,
		},
	}

	certmagic.Default.Storage = newCertStorage(rdb)

	return certmagic.TLS([]string{domain})
}
