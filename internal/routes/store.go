// Package routes persists the channel -> agent routing table.
package routes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/roelfdiedericks/wabridge/internal/config"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/paths"
	"github.com/roelfdiedericks/wabridge/internal/types"
)

// ErrNotFound is returned when no route exists for a channel.
var ErrNotFound = errors.New("route not found")

// Store is the routing table. At most one route exists per channel id;
// Upsert is last-write-wins.
type Store interface {
	Get(ctx context.Context, channelID string) (*types.Route, error)
	List(ctx context.Context) ([]*types.Route, error)
	Upsert(ctx context.Context, route *types.Route) error
	Delete(ctx context.Context, channelID string) error
	Close() error
}

// Open creates the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.RoutesConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return NewMemoryStore(), nil
	case config.DriverPostgres:
		return NewPostgresStore(ctx, cfg.DSN)
	case config.DriverSQLite, "":
		path, err := paths.ResolveDataFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown routes driver %q", cfg.Driver)
	}
}

// Seed upserts every configured route. Existing rows are overwritten.
func Seed(ctx context.Context, store Store, seed []types.Route) error {
	for i := range seed {
		r := seed[i]
		if err := store.Upsert(ctx, &r); err != nil {
			return fmt.Errorf("seed route %s: %w", r.ChannelID, err)
		}
	}
	if len(seed) > 0 {
		L_info("routes: seeded from config", "count", len(seed))
	}
	return nil
}

// validate checks the fields every backend requires
func validate(r *types.Route) error {
	if r == nil {
		return errors.New("route is nil")
	}
	if r.ChannelID == "" {
		return errors.New("route channelId is required")
	}
	if r.AgentEndpoint == "" {
		return errors.New("route agentEndpoint is required")
	}
	return nil
}

// stamp sets UpdatedAt, and CreatedAt when the route is new
func stamp(r *types.Route, now time.Time, createdAt time.Time) {
	if createdAt.IsZero() {
		createdAt = now
	}
	r.CreatedAt = createdAt
	r.UpdatedAt = now
}

func sortByChannel(list []*types.Route) {
	sort.Slice(list, func(i, j int) bool { return list[i].ChannelID < list[j].ChannelID })
}
