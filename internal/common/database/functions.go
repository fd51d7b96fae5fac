package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/runmonproject/runmon/internal/common/util"
	"github.com/runmonproject/runmon/internal/monitoringingester/configuration"
)

func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	result := ""
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	for k, v := range values {
		result += k + "='" + replacer.Replace(v) + "' "
	}
	return result
}

func OpenPgxPool(config configuration.PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxPoolConfig(config)
	if err != nil {
		return nil, err
	}
	db, err := pgxpool.ConnectConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, err
	}
	err = db.Ping(context.Background())
	return db, err
}

func pgxPoolConfig(config configuration.PostgresConfig) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(CreateConnectionString(config.Connection))
	if err != nil {
		return nil, err
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	return poolConfig, nil
}

// UniqueTableName returns a table name unique to this invocation, used for the
// temporary staging tables in the batch insert path.  The ulid suffix is lower case,
// so the name is the same whether it is used quoted or unquoted in sql.
func UniqueTableName(table string) string {
	return fmt.Sprintf("%s_tmp_%s", table, util.NewULID())
}
