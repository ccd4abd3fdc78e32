package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/objones25/mfsgd/internal/rowstore"
	"github.com/rs/zerolog/log"
)

const (
	backend             = "redis"
	defaultKeyPrefix    = "mf"
	defaultMaxRetries   = 3
	defaultPoolSize     = 10
	defaultMinIdleConns = 2
	defaultOpTimeout    = 2 * time.Second
	dimMismatchReply    = "DIMMISMATCH"
	invalidValueReply   = "BADVALUE"
)

// incScript adds ARGV[i] to field i-1 of the row hash. Every new value is
// computed and checked before a single HSET writes them all, so a rejected
// increment leaves the row as it was. A row whose width differs from the delta
// is left untouched.
var incScript = redis.NewScript(`
local n = #ARGV
local width = redis.call('HLEN', KEYS[1])
if width ~= 0 and width ~= n then
  return redis.error_reply('` + dimMismatchReply + ` ' .. width)
end
local fields = {}
for i = 1, n do
  fields[i] = tostring(i - 1)
end
local current = {}
if width ~= 0 then
  current = redis.call('HMGET', KEYS[1], unpack(fields))
end
local values = {}
for i = 1, n do
  local base = 0
  if width ~= 0 then
    if not current[i] then
      return redis.error_reply('` + dimMismatchReply + ` ' .. width)
    end
    base = tonumber(current[i])
  end
  local d = tonumber(ARGV[i])
  if base == nil or d == nil then
    return redis.error_reply('` + invalidValueReply + ` field ' .. fields[i] .. ' is not a float')
  end
  local v = base + d
  if v ~= v or v == math.huge or v == -math.huge then
    return redis.error_reply('` + invalidValueReply + ` field ' .. fields[i] .. ' would overflow')
  end
  values[2 * i - 1] = fields[i]
  values[2 * i] = string.format('%.17g', v)
end
redis.call('HSET', KEYS[1], unpack(values))
return n
`)

// Config holds Redis connection settings for the row store
type Config struct {
	Host         string
	Port         string
	Password     string
	DB           int
	KeyPrefix    string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	OpTimeout    time.Duration
}

// Store keeps each factor row in its own Redis hash, fields "0".."K-1".
type Store struct {
	client    *redis.Client
	keyPrefix string
	timeout   time.Duration
}

func NewStore(cfg Config) (*Store, error) {
	// Set defaults for optional configuration
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.MinIdleConns <= 0 {
		cfg.MinIdleConns = defaultMinIdleConns
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}

	// Input validation
	if cfg.Host == "" {
		return nil, fmt.Errorf("host cannot be empty")
	}
	if cfg.Port == "" {
		return nil, fmt.Errorf("port cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Host + ":" + cfg.Port,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
		PoolTimeout:  2 * cfg.OpTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Debug().
		Str("addr", cfg.Host+":"+cfg.Port).
		Str("prefix", cfg.KeyPrefix).
		Msg("Connected redis row store")

	return &Store{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		timeout:   cfg.OpTimeout,
	}, nil
}

func (s *Store) rowKey(table string, key int64) string {
	return s.keyPrefix + ":" + table + ":" + strconv.FormatInt(key, 10)
}

func (s *Store) Get(ctx context.Context, table string, key int64) (rowstore.Row, error) {
	start := time.Now()
	out, err := s.get(ctx, table, key)
	rowstore.Observe(backend, "get", start, err)
	return out, err
}

func (s *Store) get(ctx context.Context, table string, key int64) (rowstore.Row, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.rowKey(table, key)).Result()
	if err != nil {
		return nil, rowstore.NewStoreError("get", table, key, fmt.Errorf("%w: %w", rowstore.ErrRowUnavailable, err))
	}
	if len(fields) == 0 {
		return nil, rowstore.NewStoreError("get", table, key, rowstore.ErrRowUnavailable)
	}

	row, err := decodeRow(fields)
	if err != nil {
		return nil, rowstore.NewStoreError("get", table, key, err)
	}
	return row, nil
}

// decodeRow turns a row hash into a dense row. Field names must be exactly
// the indexes 0..n-1.
func decodeRow(fields map[string]string) (rowstore.Row, error) {
	row := make(rowstore.Row, len(fields))
	seen := make([]bool, len(fields))
	for name, raw := range fields {
		idx, err := strconv.Atoi(name)
		if err != nil || idx < 0 || idx >= len(row) || seen[idx] {
			return nil, fmt.Errorf("%w: unexpected field %q in row of width %d", rowstore.ErrDimensionMismatch, name, len(row))
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", rowstore.ErrRowUnavailable, name, err)
		}
		row[idx] = v
		seen[idx] = true
	}
	return row, nil
}

func (s *Store) BatchInc(ctx context.Context, table string, key int64, delta rowstore.Row) error {
	start := time.Now()
	err := s.batchInc(ctx, table, key, delta)
	rowstore.Observe(backend, "batchinc", start, err)
	return err
}

func (s *Store) batchInc(ctx context.Context, table string, key int64, delta rowstore.Row) error {
	if len(delta) == 0 {
		return rowstore.NewStoreError("batchinc", table, key, rowstore.ErrDimensionMismatch)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := make([]interface{}, len(delta))
	for i, d := range delta {
		args[i] = strconv.FormatFloat(d, 'f', -1, 64)
	}

	err := incScript.Run(ctx, s.client, []string{s.rowKey(table, key)}, args...).Err()
	if err == nil {
		return nil
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) && strings.HasPrefix(replyErr.Error(), dimMismatchReply) {
		width := strings.TrimSpace(strings.TrimPrefix(replyErr.Error(), dimMismatchReply))
		return rowstore.NewStoreError("batchinc", table, key,
			fmt.Errorf("%w: row has %s entries, delta has %d", rowstore.ErrDimensionMismatch, width, len(delta)))
	}
	return rowstore.NewStoreError("batchinc", table, key, fmt.Errorf("%w: %w", rowstore.ErrStoreUnavailable, err))
}

func (s *Store) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", rowstore.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
