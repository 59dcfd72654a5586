package datasource

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HanTheDev/orbit-gateway/internal/errs"
)

// RedisDriver serves read-only key-value lookups. Patterns are a single
// command line such as "HGETALL customer:{{customer_id}}".
type RedisDriver struct {
	client *redis.Client
}

func OpenRedis(ctx context.Context, spec Spec) (Driver, error) {
	opt, err := redis.ParseURL(spec.Param("url", "redis://localhost:6379"))
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisDriver(client), nil
}

func NewRedisDriver(client *redis.Client) *RedisDriver {
	return &RedisDriver{client: client}
}

func (d *RedisDriver) Kind() string { return KindRedis }

func (d *RedisDriver) Execute(ctx context.Context, q BoundQuery) (*ResultSet, error) {
	// substitute per token so values never split into extra arguments
	fields := strings.Fields(placeholderRe.ReplaceAllString(q.Pattern, "{{$1}}"))
	if len(fields) < 2 {
		return nil, errs.Permanent(KindRedis, fmt.Errorf("redis pattern needs a command and a key"))
	}
	args := make([]string, len(fields))
	for i, f := range fields {
		s, err := BoundQuery{TemplateID: q.TemplateID, Pattern: f, Values: q.Values}.Inline(plainString)
		if err != nil {
			return nil, errs.Permanent(KindRedis, err)
		}
		args[i] = s
	}

	start := time.Now()
	rows, err := d.run(ctx, strings.ToUpper(args[0]), args[1:])
	if err != nil {
		if errors.Is(err, redis.Nil) {
			rows, err = nil, nil
		} else {
			return nil, classify(KindRedis, err)
		}
	}
	return &ResultSet{Columns: columnsOf(rows), Rows: rows, Source: KindRedis, Duration: time.Since(start)}, nil
}

func (d *RedisDriver) run(ctx context.Context, cmd string, args []string) ([]map[string]any, error) {
	key := args[0]
	switch cmd {
	case "GET":
		v, err := d.client.Get(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		return []map[string]any{{"key": key, "value": v}}, nil
	case "HGET":
		if len(args) < 2 {
			return nil, errs.Permanent(KindRedis, fmt.Errorf("HGET needs a field"))
		}
		v, err := d.client.HGet(ctx, key, args[1]).Result()
		if err != nil {
			return nil, err
		}
		return []map[string]any{{"key": key, args[1]: v}}, nil
	case "HGETALL":
		m, err := d.client.HGetAll(ctx, key).Result()
		if err != nil || len(m) == 0 {
			return nil, err
		}
		row := map[string]any{"key": key}
		for k, v := range m {
			row[k] = v
		}
		return []map[string]any{row}, nil
	case "LRANGE":
		startIdx, stopIdx := int64(0), int64(-1)
		if len(args) >= 3 {
			startIdx, _ = strconv.ParseInt(args[1], 10, 64)
			stopIdx, _ = strconv.ParseInt(args[2], 10, 64)
		}
		vals, err := d.client.LRange(ctx, key, startIdx, stopIdx).Result()
		return valueRows(vals), err
	case "SMEMBERS":
		vals, err := d.client.SMembers(ctx, key).Result()
		return valueRows(vals), err
	}
	return nil, errs.Permanent(KindRedis, fmt.Errorf("command %s is not allowed", cmd))
}

func (d *RedisDriver) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *RedisDriver) Close(context.Context) error {
	return d.client.Close()
}

func valueRows(vals []string) []map[string]any {
	rows := make([]map[string]any, 0, len(vals))
	for _, v := range vals {
		rows = append(rows, map[string]any{"value": v})
	}
	return rows
}

func plainString(v any) (string, error) {
	if items, ok := listItems(v); ok {
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, ","), nil
	}
	return fmt.Sprint(v), nil
}
