package config

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"

	idempotency "github.com/AnandSundar/lambda-idempotency"
	"github.com/AnandSundar/lambda-idempotency/store"
)

// OpenStore connects the configured backend. The returned func releases it.
func (c Config) OpenStore(ctx context.Context) (idempotency.Store, func(), error) {
	switch c.Backend {
	case BackendMemory:
		s := store.NewMemoryStore()
		return s, func() { s.Close() }, nil

	case BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", c.RedisAddr, err)
		}
		return store.NewRedisStore(client, store.WithRedisPrefix(c.RedisPrefix)), func() { client.Close() }, nil

	case BackendPostgres:
		s, err := store.NewPostgresStore(ctx, c.PostgresDSN, store.WithPostgresTable(c.PostgresTable))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case BackendSQLite:
		s, err := store.OpenSQLite(c.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		return store.NewDynamoDBStore(dynamodb.NewFromConfig(awsCfg), c.DynamoDBTable), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", c.Backend)
	}
}

// Options maps the environment onto wrapper options. A config file, when
// set, is applied first so explicit environment values win.
func (c Config) Options() []idempotency.Option {
	var opts []idempotency.Option
	if c.ConfigFile != "" {
		opts = append(opts, idempotency.WithConfigFile(c.ConfigFile))
	}
	if c.IdempotencyTTL > 0 {
		opts = append(opts, idempotency.WithTTL(c.IdempotencyTTL))
	}
	if c.FunctionName != "" {
		opts = append(opts, idempotency.WithFunctionName(c.FunctionName))
	}
	if c.WaitForInFlight {
		opts = append(opts, idempotency.WithConcurrencyMode(idempotency.ModeWait))
	}
	return opts
}
