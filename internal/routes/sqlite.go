package routes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/types"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Schema version for migrations
const currentSchemaVersion = 2

// NewSQLiteStore opens (or creates) the routes database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db, path: path}
	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("routes: sqlite store opened", "path", path)
	return store, nil
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// Table doesn't exist, start from scratch
		version = 0
	}

	if version >= currentSchemaVersion {
		L_debug("routes: schema up to date", "version", version)
		return nil
	}

	L_info("routes: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("routes: applied migration", "version", i+1)
	}
	return nil
}

// migrateV1 creates the initial schema
func migrateV1(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS routes (
			channel_id TEXT PRIMARY KEY,
			agent_endpoint TEXT NOT NULL,
			environment TEXT NOT NULL DEFAULT '',
			regex_filter TEXT,
			config TEXT NOT NULL DEFAULT '{}'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	_, err := db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (1, ?)", time.Now().Unix())
	return err
}

// migrateV2 adds row timestamps
func migrateV2(db *sql.DB) error {
	now := time.Now().Unix()
	stmts := []string{
		"ALTER TABLE routes ADD COLUMN created_at INTEGER NOT NULL DEFAULT 0",
		"ALTER TABLE routes ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := db.Exec("UPDATE routes SET created_at = ?, updated_at = ? WHERE created_at = 0", now, now); err != nil {
		return err
	}
	_, err := db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (2, ?)", now)
	return err
}

const sqliteColumns = "channel_id, agent_endpoint, environment, regex_filter, config, created_at, updated_at"

func (s *SQLiteStore) Get(ctx context.Context, channelID string) (*types.Route, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteColumns+" FROM routes WHERE channel_id = ?", channelID)
	r, err := scanSQLiteRoute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get route %s: %w", channelID, err)
	}
	return r, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*types.Route, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+sqliteColumns+" FROM routes ORDER BY channel_id")
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	var list []*types.Route
	for rows.Next() {
		r, err := scanSQLiteRoute(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

func (s *SQLiteStore) Upsert(ctx context.Context, route *types.Route) error {
	if err := validate(route); err != nil {
		return err
	}
	cfgJSON, err := marshalConfig(route.Config)
	if err != nil {
		return err
	}

	var createdUnix int64
	err = s.db.QueryRowContext(ctx, "SELECT created_at FROM routes WHERE channel_id = ?", route.ChannelID).Scan(&createdUnix)
	var created time.Time
	if err == nil && createdUnix > 0 {
		created = time.Unix(createdUnix, 0)
	}
	stamp(route, time.Now(), created)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO routes (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			agent_endpoint = excluded.agent_endpoint,
			environment = excluded.environment,
			regex_filter = excluded.regex_filter,
			config = excluded.config,
			updated_at = excluded.updated_at`,
		route.ChannelID, route.AgentEndpoint, route.Environment, nullString(route.RegexFilter), cfgJSON,
		route.CreatedAt.Unix(), route.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert route %s: %w", route.ChannelID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, channelID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM routes WHERE channel_id = ?", channelID)
	if err != nil {
		return fmt.Errorf("delete route %s: %w", channelID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRoute(row rowScanner) (*types.Route, error) {
	var (
		r                types.Route
		filter           sql.NullString
		cfgJSON          string
		created, updated int64
	)
	if err := row.Scan(&r.ChannelID, &r.AgentEndpoint, &r.Environment, &filter, &cfgJSON, &created, &updated); err != nil {
		return nil, err
	}
	r.RegexFilter = filter.String
	r.CreatedAt = time.Unix(created, 0)
	r.UpdatedAt = time.Unix(updated, 0)

	cfg, err := unmarshalConfig(cfgJSON)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", r.ChannelID, err)
	}
	r.Config = cfg
	return &r, nil
}

func marshalConfig(cfg map[string]any) (string, error) {
	if len(cfg) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal route config: %w", err)
	}
	return string(data), nil
}

func unmarshalConfig(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(s), &cfg); err != nil {
		return nil, fmt.Errorf("decode route config: %w", err)
	}
	return cfg, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
