package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ydb-platform/ydb-go-sdk/v3"
	"github.com/ydb-platform/ydb-go-sdk/v3/table"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/result/named"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/types"
	yc "github.com/ydb-platform/ydb-go-yc"
)

// YDBConfig selects the database and how to authenticate to it. With no
// credentials set the connection is anonymous.
type YDBConfig struct {
	DSN                   string `yaml:"dsn"`
	ServiceAccountKeyFile string `yaml:"service_account_key_file"`
	UseMetadata           bool   `yaml:"use_metadata"`
	AccessToken           string `yaml:"access_token"`
	Table                 string `yaml:"table"`
}

const defaultYDBTable = "update_state"

// YDBStore keeps update state in a YDB table, for fleets whose devices share a
// managed database.
type YDBStore struct {
	db    *ydb.Driver
	table string
}

func NewYDBStore(ctx context.Context, cfg YDBConfig) (*YDBStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ydb dsn is required")
	}

	opts := []ydb.Option{}
	switch {
	case cfg.ServiceAccountKeyFile != "":
		opts = append(opts, yc.WithInternalCA(), yc.WithServiceAccountKeyFileCredentials(cfg.ServiceAccountKeyFile))
	case cfg.UseMetadata:
		opts = append(opts, yc.WithInternalCA(), yc.WithMetadataCredentials())
	case cfg.AccessToken != "":
		opts = append(opts, ydb.WithAccessTokenCredentials(cfg.AccessToken))
	default:
		opts = append(opts, ydb.WithAnonymousCredentials())
	}

	db, err := ydb.Open(ctx, cfg.DSN, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ydb: %w", err)
	}

	store := &YDBStore{db: db, table: cfg.Table}
	if store.table == "" {
		store.table = defaultYDBTable
	}

	if err := store.initSchema(ctx); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (y *YDBStore) Close(ctx context.Context) error {
	return y.db.Close(ctx)
}

func (y *YDBStore) initSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key Utf8,
			value Utf8,
			updated_at Timestamp,
			PRIMARY KEY (key)
		)
	`, y.table)

	return y.db.Table().Do(ctx, func(ctx context.Context, s table.Session) error {
		return s.ExecuteSchemeQuery(ctx, query)
	}, table.WithIdempotent())
}

func (y *YDBStore) Get(ctx context.Context, key string) (string, bool, error) {
	query := fmt.Sprintf(`
		DECLARE $key AS Utf8;
		SELECT value FROM %s WHERE key = $key;
	`, y.table)

	var (
		value string
		found bool
	)
	err := y.db.Table().Do(ctx, func(ctx context.Context, s table.Session) error {
		_, res, err := s.Execute(ctx, table.DefaultTxControl(), query,
			table.NewQueryParameters(table.ValueParam("$key", types.TextValue(key))),
		)
		if err != nil {
			return err
		}
		defer res.Close()

		found = false
		for res.NextResultSet(ctx) {
			for res.NextRow() {
				if err := res.ScanNamed(named.OptionalWithDefault("value", &value)); err != nil {
					return err
				}
				found = true
			}
		}
		return res.Err()
	}, table.WithIdempotent())
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, found, nil
}

func (y *YDBStore) Set(ctx context.Context, key, value string) error {
	query := fmt.Sprintf(`
		DECLARE $key AS Utf8;
		DECLARE $value AS Utf8;
		DECLARE $updated_at AS Timestamp;
		UPSERT INTO %s (key, value, updated_at) VALUES ($key, $value, $updated_at);
	`, y.table)

	err := y.db.Table().Do(ctx, func(ctx context.Context, s table.Session) error {
		_, _, err := s.Execute(ctx, table.DefaultTxControl(), query,
			table.NewQueryParameters(
				table.ValueParam("$key", types.TextValue(key)),
				table.ValueParam("$value", types.TextValue(value)),
				table.ValueParam("$updated_at", types.TimestampValueFromTime(time.Now())),
			),
		)
		return err
	}, table.WithIdempotent())
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (y *YDBStore) Remove(ctx context.Context, key string) error {
	query := fmt.Sprintf(`
		DECLARE $key AS Utf8;
		DELETE FROM %s WHERE key = $key;
	`, y.table)

	err := y.db.Table().Do(ctx, func(ctx context.Context, s table.Session) error {
		_, _, err := s.Execute(ctx, table.DefaultTxControl(), query,
			table.NewQueryParameters(table.ValueParam("$key", types.TextValue(key))),
		)
		return err
	}, table.WithIdempotent())
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}
