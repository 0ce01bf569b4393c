package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Game is a stream category campaigns belong to. Games are discovered
// implicitly from feed data and default to suppressed until an operator
// opts in.
type Game struct {
	ID         string
	Name       string
	Suppressed bool
}

// Campaign is one drop reward instance observed in a feed snapshot.
// Rows are created exactly once and never updated.
type Campaign struct {
	ID      string
	GameID  string
	Name    string
	StartAt time.Time
	EndAt   time.Time
}

// Store is the persistence API used by the reconciliation engine and the
// operator command surface. Implementations must make EnsureGame and
// InsertCampaign safe under concurrent writers.
type Store interface {
	// EnsureGame resolves a game by id, creating it suppressed if absent.
	// The returned flag is true when the row was created by this call.
	EnsureGame(ctx context.Context, id, name string) (Game, bool, error)

	// RenameGame overwrites the stored display name (feed name drift).
	RenameGame(ctx context.Context, id, name string) error

	GameByID(ctx context.Context, id string) (Game, error)
	ListGames(ctx context.Context, suppressed bool) ([]Game, error)
	AllGames(ctx context.Context) ([]Game, error)

	SetSuppressed(ctx context.Context, id string, suppressed bool) error

	// InsertCampaign inserts the campaign if its id is unseen and reports
	// whether a row was written. An existing id is not an error.
	InsertCampaign(ctx context.Context, c Campaign) (bool, error)

	CampaignsByGame(ctx context.Context, gameID string) ([]Campaign, error)

	// PurgeCampaigns removes all campaign rows for a game and returns the
	// number of rows deleted.
	PurgeCampaigns(ctx context.Context, gameID string) (int64, error)

	Close() error
}
