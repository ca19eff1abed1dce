package routes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/types"
)

// PostgresStore implements Store on PostgreSQL through the pgx stdlib driver.
type PostgresStore struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS routes (
	channel_id     TEXT PRIMARY KEY,
	agent_endpoint TEXT NOT NULL,
	environment    TEXT NOT NULL DEFAULT '',
	regex_filter   TEXT,
	config         JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPostgresStore connects to dsn and ensures the routes table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create routes table: %w", err)
	}

	L_info("routes: postgres store opened")
	return &PostgresStore{db: db}, nil
}

const pgColumns = "channel_id, agent_endpoint, environment, regex_filter, config::text, created_at, updated_at"

func (s *PostgresStore) Get(ctx context.Context, channelID string) (*types.Route, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+pgColumns+" FROM routes WHERE channel_id = $1", channelID)
	r, err := scanPostgresRoute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get route %s: %w", channelID, err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*types.Route, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+pgColumns+" FROM routes ORDER BY channel_id")
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	var list []*types.Route
	for rows.Next() {
		r, err := scanPostgresRoute(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

func (s *PostgresStore) Upsert(ctx context.Context, route *types.Route) error {
	if err := validate(route); err != nil {
		return err
	}
	cfgJSON, err := marshalConfig(route.Config)
	if err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO routes (channel_id, agent_endpoint, environment, regex_filter, config, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, now())
		ON CONFLICT (channel_id) DO UPDATE SET
			agent_endpoint = EXCLUDED.agent_endpoint,
			environment = EXCLUDED.environment,
			regex_filter = EXCLUDED.regex_filter,
			config = EXCLUDED.config,
			updated_at = now()
		RETURNING created_at, updated_at`,
		route.ChannelID, route.AgentEndpoint, route.Environment, nullString(route.RegexFilter), cfgJSON,
	).Scan(&route.CreatedAt, &route.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert route %s: %w", route.ChannelID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, channelID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM routes WHERE channel_id = $1", channelID)
	if err != nil {
		return fmt.Errorf("delete route %s: %w", channelID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanPostgresRoute(row rowScanner) (*types.Route, error) {
	var (
		r       types.Route
		filter  sql.NullString
		cfgJSON string
	)
	if err := row.Scan(&r.ChannelID, &r.AgentEndpoint, &r.Environment, &filter, &cfgJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.RegexFilter = filter.String

	cfg, err := unmarshalConfig(cfgJSON)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", r.ChannelID, err)
	}
	r.Config = cfg
	return &r, nil
}
