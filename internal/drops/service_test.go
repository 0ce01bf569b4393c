package drops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"dropbot/internal/feed"
	"dropbot/internal/storage"
	logx "dropbot/pkg/logx"
)

// fakeStore is an in-memory storage.Store with per-method error injection.
type fakeStore struct {
	mu        sync.Mutex
	games     map[string]storage.Game
	campaigns map[string]storage.Campaign

	insertErrOn string // campaign id that fails InsertCampaign
	ensureErrOn string // game id that fails EnsureGame
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		games:     make(map[string]storage.Game),
		campaigns: make(map[string]storage.Campaign),
	}
}

func (f *fakeStore) EnsureGame(_ context.Context, id, name string) (storage.Game, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == f.ensureErrOn {
		return storage.Game{}, false, errors.New("db down")
	}
	if g, ok := f.games[id]; ok {
		return g, false, nil
	}
	g := storage.Game{ID: id, Name: name, Suppressed: true}
	f.games[id] = g
	return g, true, nil
}

func (f *fakeStore) RenameGame(_ context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.games[id]
	if !ok {
		return storage.ErrNotFound
	}
	g.Name = name
	f.games[id] = g
	return nil
}

func (f *fakeStore) GameByID(_ context.Context, id string) (storage.Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.games[id]
	if !ok {
		return storage.Game{}, storage.ErrNotFound
	}
	return g, nil
}

func (f *fakeStore) ListGames(_ context.Context, suppressed bool) ([]storage.Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Game
	for _, g := range f.games {
		if g.Suppressed == suppressed {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeStore) AllGames(_ context.Context) ([]storage.Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.Game, 0, len(f.games))
	for _, g := range f.games {
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeStore) SetSuppressed(_ context.Context, id string, suppressed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.games[id]
	if !ok {
		return storage.ErrNotFound
	}
	g.Suppressed = suppressed
	f.games[id] = g
	return nil
}

func (f *fakeStore) InsertCampaign(_ context.Context, c storage.Campaign) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == f.insertErrOn {
		return false, errors.New("disk full")
	}
	if _, ok := f.campaigns[c.ID]; ok {
		return false, nil
	}
	f.campaigns[c.ID] = c
	return true, nil
}

func (f *fakeStore) CampaignsByGame(_ context.Context, gameID string) ([]storage.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Campaign
	for _, c := range f.campaigns {
		if c.GameID == gameID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) PurgeCampaigns(_ context.Context, gameID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, c := range f.campaigns {
		if c.GameID == gameID {
			delete(f.campaigns, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) campaignCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.campaigns)
}

// fakeDispatcher records announcements and operator notices.
type fakeDispatcher struct {
	mu          sync.Mutex
	announced   []Announcement
	notices     []string
	announceErr error
}

func (f *fakeDispatcher) Announce(_ context.Context, a Announcement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.announceErr != nil {
		return f.announceErr
	}
	f.announced = append(f.announced, a)
	return nil
}

func (f *fakeDispatcher) Operator(_ context.Context, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, text)
}

func (f *fakeDispatcher) announcements() []Announcement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Announcement(nil), f.announced...)
}

func (f *fakeDispatcher) noticeContaining(sub string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notices {
		if strings.Contains(n, sub) {
			return true
		}
	}
	return false
}

// fakeFeed serves a fixed snapshot.
type fakeFeed struct {
	mu   sync.Mutex
	snap []feed.Drop
}

func (f *fakeFeed) FetchSnapshot(context.Context) []feed.Drop {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeFeed) set(snap []feed.Drop) {
	f.mu.Lock()
	f.snap = snap
	f.mu.Unlock()
}

func activeReward(id, name string) feed.Reward {
	return feed.Reward{
		ID:      id,
		Name:    name,
		Status:  feed.StatusActive,
		StartAt: "2025-04-01T00:00:00Z",
		EndAt:   "2025-04-08T00:00:00Z",
	}
}

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeFeed, *fakeDispatcher) {
	t.Helper()
	st := newFakeStore()
	src := &fakeFeed{}
	disp := &fakeDispatcher{}
	svc := New(st, src, disp, logx.Nop())
	svc.now = func() time.Time { return time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC) }
	return svc, st, src, disp
}

func TestDiscoveryDefaultsSuppressed(t *testing.T) {
	t.Parallel()
	svc, st, src, disp := newTestService(t)
	ctx := context.Background()

	src.set([]feed.Drop{{
		GameID:          "g1",
		GameDisplayName: "Alpha",
		Rewards:         []feed.Reward{activeReward("c1", "Alpha Drop 1")},
	}})

	if err := svc.RunPass(ctx); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if got := disp.announcements(); len(got) != 0 {
		t.Fatalf("suppressed game announced: %+v", got)
	}
	if !disp.noticeContaining("New game discovered: Alpha") {
		t.Fatal("missing new-game operator notice")
	}
	g, err := st.GameByID(ctx, "g1")
	if err != nil || !g.Suppressed {
		t.Fatalf("game = %+v, %v; want suppressed row", g, err)
	}
	if st.campaignCount() != 1 {
		t.Fatalf("campaigns = %d, want 1 (recorded while suppressed)", st.campaignCount())
	}
}

func TestIdempotentAcrossPasses(t *testing.T) {
	t.Parallel()
	svc, _, src, disp := newTestService(t)
	ctx := context.Background()

	src.set([]feed.Drop{{
		GameID:          "g1",
		GameDisplayName: "Alpha",
		Rewards:         []feed.Reward{activeReward("c1", "Alpha Drop 1")},
	}})
	if _, _, err := svc.store.EnsureGame(ctx, "g1", "Alpha"); err != nil {
		t.Fatal(err)
	}
	if err := svc.store.SetSuppressed(ctx, "g1", false); err != nil {
		t.Fatal(err)
	}

	if err := svc.RunPass(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if err := svc.RunPass(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	got := disp.announcements()
	if len(got) != 1 {
		t.Fatalf("announcements = %d, want exactly 1", len(got))
	}
	if got[0].GameName != "Alpha" || !strings.Contains(got[0].Summary, "Alpha Drop 1") {
		t.Fatalf("unexpected announcement: %+v", got[0])
	}
}

func TestArtworkCarriedIntoAnnouncement(t *testing.T) {
	t.Parallel()
	svc, _, src, disp := newTestService(t)
	ctx := context.Background()

	r := activeReward("c1", "Alpha Drop 1")
	r.ImageURL = "https://img.example/drop.png"
	src.set([]feed.Drop{{
		GameID:          "g1",
		GameDisplayName: "Alpha",
		GameBoxArtURL:   "https://img.example/alpha-box.png",
		Rewards:         []feed.Reward{r},
	}})
	if _, _, err := svc.store.EnsureGame(ctx, "g1", "Alpha"); err != nil {
		t.Fatal(err)
	}
	if err := svc.store.SetSuppressed(ctx, "g1", false); err != nil {
		t.Fatal(err)
	}

	if err := svc.RunPass(ctx); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	got := disp.announcements()
	if len(got) != 1 {
		t.Fatalf("announcements = %d, want 1", len(got))
	}
	if !strings.Contains(got[0].Summary, "https://img.example/alpha-box.png") {
		t.Fatalf("summary missing box art: %q", got[0].Summary)
	}
	if len(got[0].Details) != 1 || !strings.Contains(got[0].Details[0], "https://img.example/drop.png") {
		t.Fatalf("detail missing campaign art: %+v", got[0].Details)
	}
}

func TestUnsuppressPurgesAndReplays(t *testing.T) {
	t.Parallel()
	svc, st, src, disp := newTestService(t)
	ctx := context.Background()

	src.set([]feed.Drop{{
		GameID:          "g1",
		GameDisplayName: "Alpha",
		Rewards:         []feed.Reward{activeReward("c1", "Alpha Drop 1"), activeReward("c2", "Alpha Drop 2")},
	}})

	// First pass records silently under the default suppression.
	if err := svc.RunPass(ctx); err != nil {
		t.Fatal(err)
	}
	if len(disp.announcements()) != 0 {
		t.Fatal("suppressed pass announced")
	}
	if st.campaignCount() != 2 {
		t.Fatalf("campaigns = %d, want 2", st.campaignCount())
	}

	g, purged, err := svc.SetSuppressedByName(ctx, "alpha", false)
	if err != nil {
		t.Fatalf("SetSuppressedByName: %v", err)
	}
	if g.Suppressed || purged != 2 {
		t.Fatalf("got game=%+v purged=%d, want allowed with 2 purged", g, purged)
	}

	// The purge makes the still-live campaigns new again.
	if err := svc.RunPass(ctx); err != nil {
		t.Fatal(err)
	}
	got := disp.announcements()
	if len(got) != 1 || len(got[0].Details) != 2 {
		t.Fatalf("replay announcement = %+v, want 1 with 2 details", got)
	}
}

func TestSuppressDoesNotPurge(t *testing.T) {
	t.Parallel()
	svc, st, src, _ := newTestService(t)
	ctx := context.Background()

	src.set([]feed.Drop{{
		GameID:          "g1",
		GameDisplayName: "Alpha",
		Rewards:         []feed.Reward{activeReward("c1", "Alpha Drop 1")},
	}})
	if err := svc.RunPass(ctx); err != nil {
		t.Fatal(err)
	}

	// allowed -> suppressed keeps the rows; they may have been announced.
	if _, _, err := svc.SetSuppressedByName(ctx, "Alpha", false); err != nil {
		t.Fatal(err)
	}
	if _, purged, err := svc.SetSuppressedByName(ctx, "Alpha", true); err != nil || purged != 0 {
		t.Fatalf("suppress: purged=%d err=%v, want 0, nil", purged, err)
	}
	if st.campaignCount() != 1 {
		t.Fatalf("campaigns = %d, want 1 kept", st.campaignCount())
	}
}

func TestToggleNoopWhenUnchanged(t *testing.T) {
	t.Parallel()
	svc, st, src, _ := newTestService(t)
	ctx := context.Background()

	src.set([]feed.Drop{{
		GameID:          "g1",
		GameDisplayName: "Alpha",
		Rewards:         []feed.Reward{activeReward("c1", "Alpha Drop 1")},
	}})
	if err := svc.RunPass(ctx); err != nil {
		t.Fatal(err)
	}

	// Already suppressed; repeating the toggle must not purge.
	g, purged, err := svc.SetSuppressedByName(ctx, "Alpha", true)
	if err != nil || purged != 0 || !g.Suppressed {
		t.Fatalf("got game=%+v purged=%d err=%v, want unchanged no-op", g, purged, err)
	}
	if st.campaignCount() != 1 {
		t.Fatalf("campaigns = %d, want 1", st.campaignCount())
	}
}

func TestToggleUnknownGame(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService(t)

	if _, _, err := svc.SetSuppressedByName(context.Background(), "Nonexistent", false); !errors.Is(err, ErrUnknownGame) {
		t.Fatalf("err = %v, want ErrUnknownGame", err)
	}
	if _, _, err := svc.SetSuppressedByName(context.Background(), "  ", false); !errors.Is(err, ErrUnknownGame) {
		t.Fatalf("blank name err = %v, want ErrUnknownGame", err)
	}
}

func TestNameDriftRenamesInPlace(t *testing.T) {
	t.Parallel()
	svc, st, src, _ := newTestService(t)
	ctx := context.Background()

	src.set([]feed.Drop{{
		GameID:          "g1",
		GameDisplayName: "Alpha",
		Rewards:         []feed.Reward{activeReward("c1", "Alpha Drop 1")},
	}})
	if err := svc.RunPass(ctx); err != nil {
		t.Fatal(err)
	}

	src.set([]feed.Drop{{
		GameID:          "g1",
		GameDisplayName: "Alpha: Remastered",
		Rewards:         []feed.Reward{activeReward("c1", "Alpha Drop 1")},
	}})
	if err := svc.RunPass(ctx); err != nil {
		t.Fatal(err)
	}

	all, err := st.AllGames(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("games = %d, want 1 (drift must not create a row)", len(all))
	}
	if all[0].Name != "Alpha: Remastered" {
		t.Fatalf("name = %q, want renamed", all[0].Name)
	}
}

func TestStatusGatingRecordsAndWithholds(t *testing.T) {
	t.Parallel()
	svc, st, src, disp := newTestService(t)
	ctx := context.Background()

	r := activeReward("c1", "Expired Drop")
	r.Status = "EXPIRED"
	src.set([]feed.Drop{{GameID: "g1", GameDisplayName: "Alpha", Rewards: []feed.Reward{r}}})

	if _, _, err := st.EnsureGame(ctx, "g1", "Alpha"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetSuppressed(ctx, "g1", false); err != nil {
		t.Fatal(err)
	}

	if err := svc.RunPass(ctx); err != nil {
		t.Fatal(err)
	}
	if len(disp.announcements()) != 0 {
		t.Fatal("non-active campaign announced")
	}
	if !disp.noticeContaining("Recorded but withheld (status EXPIRED)") {
		t.Fatal("missing status anomaly notice")
	}
	if st.campaignCount() != 1 {
		t.Fatal("non-active campaign not recorded")
	}

	// The row now exists, so a later ACTIVE flip cannot resurrect it.
	r.Status = feed.StatusActive
	src.set([]feed.Drop{{GameID: "g1", GameDisplayName: "Alpha", Rewards: []feed.Reward{r}}})
	if err := svc.RunPass(ctx); err != nil {
		t.Fatal(err)
	}
	if len(disp.announcements()) != 0 {
		t.Fatal("withheld campaign announced after status flip")
	}
}

func TestRecordFailureIsolated(t *testing.T) {
	t.Parallel()
	svc, st, src, disp := newTestService(t)
	ctx := context.Background()

	st.ensureErrOn = "g1"
	src.set([]feed.Drop{
		{GameID: "g1", GameDisplayName: "Broken", Rewards: []feed.Reward{activeReward("c1", "Broken Drop")}},
		{GameID: "g2", GameDisplayName: "Beta", Rewards: []feed.Reward{activeReward("c2", "Beta Drop")}},
	})
	if _, _, err := st.EnsureGame(ctx, "g2", "Beta"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetSuppressed(ctx, "g2", false); err != nil {
		t.Fatal(err)
	}

	if err := svc.RunPass(ctx); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	got := disp.announcements()
	if len(got) != 1 || got[0].GameName != "Beta" {
		t.Fatalf("announcements = %+v, want Beta only", got)
	}
	if !disp.noticeContaining("Reconciliation failed for game Broken") {
		t.Fatal("missing per-record failure notice")
	}
}

func TestPartialBatchSurvivesMidRecordFailure(t *testing.T) {
	t.Parallel()
	svc, st, src, disp := newTestService(t)
	ctx := context.Background()

	st.insertErrOn = "c2"
	src.set([]feed.Drop{{
		GameID:          "g1",
		GameDisplayName: "Alpha",
		Rewards: []feed.Reward{
			activeReward("c1", "Alpha Drop 1"),
			activeReward("c2", "Alpha Drop 2"),
			activeReward("c3", "Alpha Drop 3"),
		},
	}})
	if _, _, err := st.EnsureGame(ctx, "g1", "Alpha"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetSuppressed(ctx, "g1", false); err != nil {
		t.Fatal(err)
	}

	if err := svc.RunPass(ctx); err != nil {
		t.Fatal(err)
	}
	// c1 was committed before the failure; its row exists, so this pass is
	// its only chance to be announced.
	got := disp.announcements()
	if len(got) != 1 || len(got[0].Details) != 1 {
		t.Fatalf("announcements = %+v, want 1 with the committed campaign only", got)
	}
	if !strings.Contains(got[0].Summary, "Alpha Drop 1") || strings.Contains(got[0].Summary, "Alpha Drop 3") {
		t.Fatalf("summary = %q", got[0].Summary)
	}
}

func TestMalformedWindowSkipsReward(t *testing.T) {
	t.Parallel()
	svc, st, src, disp := newTestService(t)
	ctx := context.Background()

	bad := activeReward("c1", "Bad Window")
	bad.StartAt = "not-a-time"
	good := activeReward("c2", "Good Window")
	src.set([]feed.Drop{{GameID: "g1", GameDisplayName: "Alpha", Rewards: []feed.Reward{bad, good}}})
	if _, _, err := st.EnsureGame(ctx, "g1", "Alpha"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetSuppressed(ctx, "g1", false); err != nil {
		t.Fatal(err)
	}

	if err := svc.RunPass(ctx); err != nil {
		t.Fatal(err)
	}
	if st.campaignCount() != 1 {
		t.Fatalf("campaigns = %d, want 1 (malformed skipped)", st.campaignCount())
	}
	if !disp.noticeContaining("Malformed campaign window") {
		t.Fatal("missing malformed-window notice")
	}
	got := disp.announcements()
	if len(got) != 1 || len(got[0].Details) != 1 {
		t.Fatalf("announcements = %+v", got)
	}
}

func TestRewardWindowFallsBackToDropWindow(t *testing.T) {
	t.Parallel()

	d := feed.Drop{StartAt: "2025-04-01T00:00:00Z", EndAt: "2025-04-08T00:00:00Z"}
	r := feed.Reward{ID: "c1"}
	start, end, err := rewardWindow(d, r)
	if err != nil {
		t.Fatalf("rewardWindow: %v", err)
	}
	if start.Day() != 1 || end.Day() != 8 {
		t.Fatalf("window = %v..%v", start, end)
	}
}

func TestEmptyGameIDSkipped(t *testing.T) {
	t.Parallel()
	svc, st, src, _ := newTestService(t)

	src.set([]feed.Drop{{GameID: "  ", GameDisplayName: "Ghost", Rewards: []feed.Reward{activeReward("c1", "Ghost Drop")}}})
	if err := svc.RunPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st.campaignCount() != 0 {
		t.Fatal("record without game id was persisted")
	}
}

func TestAnnounceFailureNotifiesOperator(t *testing.T) {
	t.Parallel()
	svc, st, src, disp := newTestService(t)
	ctx := context.Background()

	disp.announceErr = errors.New("all channels unreachable")
	src.set([]feed.Drop{{GameID: "g1", GameDisplayName: "Alpha", Rewards: []feed.Reward{activeReward("c1", "Alpha Drop 1")}}})
	if _, _, err := st.EnsureGame(ctx, "g1", "Alpha"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetSuppressed(ctx, "g1", false); err != nil {
		t.Fatal(err)
	}

	if err := svc.RunPass(ctx); err != nil {
		t.Fatalf("RunPass must not fail on dispatch errors, got %v", err)
	}
	if !disp.noticeContaining("Announce failed for Alpha") {
		t.Fatal("missing announce-failure notice")
	}
}

func TestQueryByNameReadOnly(t *testing.T) {
	t.Parallel()
	svc, st, src, _ := newTestService(t)
	ctx := context.Background()

	if _, _, err := st.EnsureGame(ctx, "g1", "Alpha"); err != nil {
		t.Fatal(err)
	}
	src.set([]feed.Drop{{GameID: "g1", GameDisplayName: "Alpha", Rewards: []feed.Reward{activeReward("c1", "Alpha Drop 1")}}})

	a, err := svc.QueryByName(ctx, "ALPHA")
	if err != nil {
		t.Fatalf("QueryByName: %v", err)
	}
	if a == nil || !strings.Contains(a.Summary, "Alpha Drop 1") {
		t.Fatalf("announcement = %+v", a)
	}
	if st.campaignCount() != 0 {
		t.Fatal("ad-hoc query recorded campaigns; scheduled announcement would be eaten")
	}
}

func TestQueryByNameNoActiveCampaigns(t *testing.T) {
	t.Parallel()
	svc, st, src, _ := newTestService(t)
	ctx := context.Background()

	if _, _, err := st.EnsureGame(ctx, "g1", "Alpha"); err != nil {
		t.Fatal(err)
	}
	r := activeReward("c1", "Old Drop")
	r.Status = "EXPIRED"
	src.set([]feed.Drop{{GameID: "g1", GameDisplayName: "Alpha", Rewards: []feed.Reward{r}}})

	a, err := svc.QueryByName(ctx, "Alpha")
	if err != nil {
		t.Fatal(err)
	}
	if a != nil {
		t.Fatalf("announcement = %+v, want nil", a)
	}

	if _, err := svc.QueryByName(ctx, "Unknown"); !errors.Is(err, ErrUnknownGame) {
		t.Fatalf("err = %v, want ErrUnknownGame", err)
	}
}

func TestEmptySnapshotIsQuietPass(t *testing.T) {
	t.Parallel()
	svc, _, src, disp := newTestService(t)

	src.set(nil)
	if err := svc.RunPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(disp.announcements()) != 0 {
		t.Fatal("empty snapshot produced announcements")
	}
}

func TestListGamesFilters(t *testing.T) {
	t.Parallel()
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("g%d", i)
		if _, _, err := st.EnsureGame(ctx, id, "Game "+id); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.SetSuppressed(ctx, "g1", false); err != nil {
		t.Fatal(err)
	}

	allowed, err := svc.ListGames(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(allowed) != 1 || allowed[0].ID != "g1" {
		t.Fatalf("allowed = %+v", allowed)
	}
	ignored, err := svc.ListGames(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(ignored) != 2 {
		t.Fatalf("ignored = %+v", ignored)
	}
}
