package drops

import (
	"context"
	"errors"
	"time"

	"dropbot/internal/feed"
	"dropbot/internal/storage"
)

var ErrUnknownGame = errors.New("unknown game")

// FeedSource yields the current drop campaign snapshot. Implementations never
// fail; an outage is an empty snapshot.
type FeedSource interface {
	FetchSnapshot(ctx context.Context) []feed.Drop
}

// Dispatcher delivers composed announcements to the configured destination
// channels, and operator notices to the operator channel.
type Dispatcher interface {
	Announce(ctx context.Context, a Announcement) error
	// Operator is best-effort; it must never fail the calling pass.
	Operator(ctx context.Context, text string)
}

// Batch is the per-game reconciliation result: the campaigns that were newly
// recorded this pass and qualify for announcement. BoxArtURL comes from the
// feed record, not the store; art is display-only and never persisted.
type Batch struct {
	Game      storage.Game
	BoxArtURL string
	Campaigns []CampaignDetail
}

// CampaignDetail carries everything the composer needs for one detail block.
type CampaignDetail struct {
	ID         string
	Name       string
	ImageURL   string
	DetailsURL string
	StartAt    time.Time
	EndAt      time.Time
	Tiers      []feed.Tier
}

// Announcement is a composed summary plus one detail block per qualifying
// campaign. The dispatcher delivers all parts as a single outbound call per
// channel so a summary can never arrive split from its details.
type Announcement struct {
	PassID   string
	GameName string
	Summary  string
	Details  []string
}
