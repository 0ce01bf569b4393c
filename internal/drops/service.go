package drops

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dropbot/internal/feed"
	"dropbot/internal/storage"
	logx "dropbot/pkg/logx"
)

// Service is the reconciliation engine. Dependencies are constructor-injected;
// there is no hidden process-wide state.
type Service struct {
	store storage.Store
	feed  FeedSource
	disp  Dispatcher
	log   logx.Logger
	now   func() time.Time

	// passMu serializes passes. The trigger fires hours apart, but the
	// operator /refresh path can race it.
	passMu sync.Mutex
}

func New(store storage.Store, src FeedSource, disp Dispatcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		feed:  src,
		disp:  disp,
		log:   log,
		now:   time.Now,
	}
}

// RunPass executes one full pipeline pass: fetch, reconcile, compose,
// dispatch. It never fails the caller for per-record problems; those are
// logged and surfaced on the operator channel.
func (s *Service) RunPass(ctx context.Context) error {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	start := time.Now()
	passID := uuid.NewString()[:8]
	log := s.log.With(logx.String("pass", passID))

	snap := s.feed.FetchSnapshot(ctx)
	log.Info("pass started", logx.Int("records", len(snap)))

	batches := s.Reconcile(ctx, passID, snap)
	for _, b := range batches {
		summary, details := Compose(b, s.now())
		a := Announcement{
			PassID:   passID,
			GameName: b.Game.Name,
			Summary:  summary,
			Details:  details,
		}
		if err := s.disp.Announce(ctx, a); err != nil {
			log.Error("announce failed", logx.String("game", b.Game.Name), logx.Err(err))
			s.disp.Operator(ctx, fmt.Sprintf("Announce failed for %s: %v", b.Game.Name, err))
		}
	}

	log.Info("pass finished",
		logx.Int("records", len(snap)),
		logx.Int("batches", len(batches)),
		logx.Duration("took", time.Since(start)))
	return nil
}

// Reconcile processes one feed snapshot against the store and returns one
// batch per game that has newly-recorded, qualifying campaigns. A persistence
// failure aborts only the affected record; prior commits stand and the
// remaining records still reconcile.
func (s *Service) Reconcile(ctx context.Context, passID string, snap []feed.Drop) []Batch {
	log := s.log.With(logx.String("pass", passID))

	var batches []Batch
	for _, d := range snap {
		if strings.TrimSpace(d.GameID) == "" {
			continue
		}
		b, err := s.reconcileRecord(ctx, log, d)
		if err != nil {
			log.Error("record reconciliation failed", logx.String("game_id", d.GameID), logx.Err(err))
			s.disp.Operator(ctx, fmt.Sprintf("Reconciliation failed for game %s: %v", d.GameDisplayName, err))
		}
		// Campaigns committed before a mid-record failure still get their one
		// announcement; their rows now exist, so no later pass will retry.
		if len(b.Campaigns) > 0 {
			batches = append(batches, b)
		}
	}
	return batches
}

func (s *Service) reconcileRecord(ctx context.Context, log logx.Logger, d feed.Drop) (Batch, error) {
	g, created, err := s.store.EnsureGame(ctx, d.GameID, d.GameDisplayName)
	if err != nil {
		return Batch{}, fmt.Errorf("ensure game %s: %w", d.GameID, err)
	}
	if created {
		log.Info("new game discovered", logx.String("game_id", g.ID), logx.String("name", g.Name))
		s.disp.Operator(ctx, fmt.Sprintf(
			"🆕 New game discovered: %s\nIts campaigns stay silent until you run /ignore %s off",
			g.Name, g.Name))
	}

	// Feed name drift overwrites the stored name; it must never create a
	// second game row.
	if !created && d.GameDisplayName != "" && g.Name != d.GameDisplayName {
		if err := s.store.RenameGame(ctx, g.ID, d.GameDisplayName); err != nil {
			return Batch{}, fmt.Errorf("rename game %s: %w", g.ID, err)
		}
		log.Info("game renamed", logx.String("game_id", g.ID), logx.String("from", g.Name), logx.String("to", d.GameDisplayName))
		g.Name = d.GameDisplayName
	}

	b := Batch{Game: g, BoxArtURL: d.GameBoxArtURL}
	for _, r := range d.Rewards {
		startAt, endAt, perr := rewardWindow(d, r)
		if perr != nil {
			log.Warn("skipping reward with malformed window", logx.String("campaign", r.ID), logx.Err(perr))
			s.disp.Operator(ctx, fmt.Sprintf("Malformed campaign window in feed: %s (%s): %v", r.Name, r.ID, perr))
			continue
		}

		inserted, err := s.store.InsertCampaign(ctx, storage.Campaign{
			ID:      r.ID,
			GameID:  g.ID,
			Name:    r.Name,
			StartAt: startAt,
			EndAt:   endAt,
		})
		if err != nil {
			return b, fmt.Errorf("insert campaign %s: %w", r.ID, err)
		}
		if !inserted {
			// Already recorded in an earlier fetch; redelivery is a no-op.
			continue
		}
		if g.Suppressed {
			// Recorded for dedup, intentionally silent.
			continue
		}
		if !r.Active() {
			// Recorded but withheld. Diagnostic only; nothing retries this.
			log.Warn("non-active campaign recorded for allowed game",
				logx.String("game", g.Name), logx.String("campaign", r.Name), logx.String("status", r.Status))
			s.disp.Operator(ctx, fmt.Sprintf(
				"⚠️ Recorded but withheld (status %s): %s — %s", r.Status, g.Name, r.Name))
			continue
		}

		b.Campaigns = append(b.Campaigns, CampaignDetail{
			ID:         r.ID,
			Name:       r.Name,
			ImageURL:   r.ImageURL,
			DetailsURL: r.DetailsURL,
			StartAt:    startAt,
			EndAt:      endAt,
			Tiers:      r.TimeBasedDrops,
		})
	}
	return b, nil
}

// rewardWindow parses the validity window, falling back to the drop-level
// window when the reward omits its own.
func rewardWindow(d feed.Drop, r feed.Reward) (time.Time, time.Time, error) {
	startRaw := r.StartAt
	if startRaw == "" {
		startRaw = d.StartAt
	}
	endRaw := r.EndAt
	if endRaw == "" {
		endRaw = d.EndAt
	}
	start, err := time.Parse(time.RFC3339, startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("startAt: %w", err)
	}
	end, err := time.Parse(time.RFC3339, endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("endAt: %w", err)
	}
	return start.UTC(), end.UTC(), nil
}

// SetSuppressedByName toggles suppression for a game matched by normalized
// name. Un-suppressing purges the game's campaign rows so the next pass
// re-evaluates and announces everything still present in the feed; rows for a
// game that was already allowed are left alone (they may have been notified).
func (s *Service) SetSuppressedByName(ctx context.Context, name string, suppressed bool) (storage.Game, int64, error) {
	g, err := s.findGameByName(ctx, name)
	if err != nil {
		return storage.Game{}, 0, err
	}
	if g.Suppressed == suppressed {
		return g, 0, nil
	}
	if err := s.store.SetSuppressed(ctx, g.ID, suppressed); err != nil {
		return storage.Game{}, 0, fmt.Errorf("set suppressed %s: %w", g.ID, err)
	}
	wasSuppressed := g.Suppressed
	g.Suppressed = suppressed

	var purged int64
	if wasSuppressed && !suppressed {
		purged, err = s.store.PurgeCampaigns(ctx, g.ID)
		if err != nil {
			return g, 0, fmt.Errorf("purge campaigns %s: %w", g.ID, err)
		}
		s.log.Info("game allowed; recorded campaigns purged for replay",
			logx.String("game", g.Name), logx.Int64("purged", purged))
	}
	return g, purged, nil
}

// ListGames returns games filtered by suppression state, for the operator
// listing commands.
func (s *Service) ListGames(ctx context.Context, suppressed bool) ([]storage.Game, error) {
	return s.store.ListGames(ctx, suppressed)
}

// QueryByName composes the currently-active campaigns for a named game from a
// live feed snapshot. It shares the normalized-name lookup with the toggle
// path but records nothing: marking campaigns seen during an ad-hoc query
// would silently eat their scheduled announcement.
func (s *Service) QueryByName(ctx context.Context, name string) (*Announcement, error) {
	g, err := s.findGameByName(ctx, name)
	if err != nil {
		return nil, err
	}

	b := Batch{Game: g}
	for _, d := range s.feed.FetchSnapshot(ctx) {
		if d.GameID != g.ID {
			continue
		}
		b.BoxArtURL = d.GameBoxArtURL
		for _, r := range d.Rewards {
			if !r.Active() {
				continue
			}
			startAt, endAt, perr := rewardWindow(d, r)
			if perr != nil {
				continue
			}
			b.Campaigns = append(b.Campaigns, CampaignDetail{
				ID:         r.ID,
				Name:       r.Name,
				ImageURL:   r.ImageURL,
				DetailsURL: r.DetailsURL,
				StartAt:    startAt,
				EndAt:      endAt,
				Tiers:      r.TimeBasedDrops,
			})
		}
	}
	if len(b.Campaigns) == 0 {
		return nil, nil
	}

	summary, details := Compose(b, s.now())
	return &Announcement{GameName: g.Name, Summary: summary, Details: details}, nil
}

func (s *Service) findGameByName(ctx context.Context, name string) (storage.Game, error) {
	games, err := s.store.AllGames(ctx)
	if err != nil {
		return storage.Game{}, fmt.Errorf("list games: %w", err)
	}
	want := NormalizeName(name)
	if want == "" {
		return storage.Game{}, fmt.Errorf("%w: empty name", ErrUnknownGame)
	}
	for _, g := range games {
		if NormalizeName(g.Name) == want {
			return g, nil
		}
	}
	return storage.Game{}, fmt.Errorf("%w: %s", ErrUnknownGame, name)
}
