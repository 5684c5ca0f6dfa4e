// Package postgres implements the target storage interface
// backed by PostgreSQL.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"

	"github.com/rollupkit/orchestrator/common"
	"github.com/rollupkit/orchestrator/log"
	"github.com/rollupkit/orchestrator/storage"
)

const (
	moduleName = "postgres"
)

// Client is a client for connecting to PostgreSQL.
type Client struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

var _ storage.TargetStorage = (*Client)(nil)

// pgxLogger routes pgx trace logs into our structured logger.
type pgxLogger struct {
	logger *log.Logger
}

func (l *pgxLogger) logFuncForLevel(level tracelog.LogLevel) func(string, ...interface{}) {
	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		return l.logger.Debug
	case tracelog.LogLevelInfo:
		return l.logger.Info
	case tracelog.LogLevelWarn:
		return l.logger.Warn
	case tracelog.LogLevelError, tracelog.LogLevelNone:
		return l.logger.Error
	default:
		l.logger.Warn("unknown log level", "unknown_level", level)
		return l.logger.Info
	}
}

// Log implements tracelog.Logger.
func (l *pgxLogger) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]interface{}) {
	args := make([]interface{}, 0, 2*len(data))
	for k, v := range data {
		args = append(args, k, v)
	}
	l.logFuncForLevel(level)(msg, args...)
}

// NewClient creates a new PostgreSQL client.
func NewClient(connString string, l *log.Logger) (*Client, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	// A log line is produced only if it passes both this level and the level
	// of the underlying logger. "Info" logs every SQL statement executed.
	config.ConnConfig.Tracer = &tracelog.TraceLog{
		LogLevel: tracelog.LogLevelWarn,
		Logger: &pgxLogger{
			logger: l.WithModule(moduleName).With("db", config.ConnConfig.Database),
		},
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, err
	}
	return &Client{
		pool:   pool,
		logger: l.WithModule(moduleName),
	}, nil
}

// SendBatch submits a batch of queries as an atomic transaction.
//
// The fast path sends the whole batch in one roundtrip, but pgx then blames
// the first query for any failure. On error the batch is resent one query at
// a time, which pinpoints the failing query.
func (c *Client) SendBatch(ctx context.Context, batch *storage.QueryBatch) error {
	if err := c.sendBatchFast(ctx, batch); err == nil {
		return nil
	}
	return c.sendBatchSlow(ctx, batch)
}

func (c *Client) sendBatchFast(ctx context.Context, batch *storage.QueryBatch) error {
	pgxBatch := batch.AsPgxBatch()
	// SendBatch on the pool runs the batch in an implicit transaction.
	batchResults := c.pool.SendBatch(ctx, &pgxBatch)
	defer common.CloseOrLog(batchResults, c.logger)

	for i := 0; i < pgxBatch.Len(); i++ {
		if _, err := batchResults.Exec(); err != nil {
			return fmt.Errorf("query %d %v: %w", i, batch.Queries()[i], err)
		}
	}
	return nil
}

func (c *Client) sendBatchSlow(ctx context.Context, batch *storage.QueryBatch) error {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}

	for i, q := range batch.Queries() {
		if _, err := tx.Exec(ctx, q.Cmd, q.Args...); err != nil {
			rollbackErr := ""
			if err2 := tx.Rollback(ctx); err2 != nil {
				rollbackErr = fmt.Sprintf("; also failed to rollback tx: %s", err2.Error())
			}
			return fmt.Errorf("query %d %v: %w%s", i, q, err, rollbackErr)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		c.logger.Error("failed to submit tx",
			"error", err,
			"batch_len", batch.Len(),
		)
		return err
	}
	return nil
}

// Query submits a new read query to PostgreSQL.
func (c *Client) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		c.logger.Error("failed to query db",
			"error", err,
			"query_cmd", sql,
			"query_args", args,
		)
		return nil, err
	}
	return rows, nil
}

// QueryRow submits a new read query for a single row to PostgreSQL.
func (c *Client) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return c.pool.QueryRow(ctx, sql, args...)
}

// Close implements the storage.TargetStorage interface for Client.
func (c *Client) Close() {
	c.pool.Close()
}

// Name implements the storage.TargetStorage interface for Client.
func (c *Client) Name() string {
	return moduleName
}

// Wipe drops every table and domain of the public schema.
func (c *Client) Wipe(ctx context.Context) error {
	tables, err := c.listNames(ctx, `
		SELECT tablename FROM pg_tables WHERE schemaname = 'public'
	`)
	if err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}
	for _, table := range tables {
		c.logger.Info("dropping table", "table", table)
		if _, err := c.pool.Exec(ctx, fmt.Sprintf("DROP TABLE %s CASCADE;", pgx.Identifier{table}.Sanitize())); err != nil {
			return err
		}
	}

	domains, err := c.listNames(ctx, `
		SELECT domain_name FROM information_schema.domains WHERE domain_schema = 'public'
	`)
	if err != nil {
		return fmt.Errorf("listing domains: %w", err)
	}
	for _, domain := range domains {
		c.logger.Info("dropping domain", "domain", domain)
		if _, err := c.pool.Exec(ctx, fmt.Sprintf("DROP DOMAIN %s CASCADE;", pgx.Identifier{domain}.Sanitize())); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) listNames(ctx context.Context, sql string) ([]string, error) {
	rows, err := c.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
