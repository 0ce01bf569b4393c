package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	logx "dropbot/pkg/logx"
)

func TestFetchSnapshotOK(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{
				"gameId": "g1",
				"gameDisplayName": "Alpha",
				"gameBoxArtURL": "https://img.example/alpha.png",
				"startAt": "2026-08-01T00:00:00Z",
				"endAt": "2026-08-31T00:00:00Z",
				"rewards": [
					{
						"id": "c1",
						"name": "Weekend Grant",
						"status": "ACTIVE",
						"startAt": "2026-08-01T00:00:00Z",
						"endAt": "2026-08-03T00:00:00Z",
						"timeBasedDrops": [
							{"name": "Tier 1", "requiredMinutesWatched": 60, "requiredSubs": 0}
						]
					}
				]
			}
		]`))
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL}, logx.Nop())
	drops := c.FetchSnapshot(context.Background())
	if len(drops) != 1 {
		t.Fatalf("drops = %d, want 1", len(drops))
	}
	d := drops[0]
	if d.GameID != "g1" || d.GameDisplayName != "Alpha" {
		t.Fatalf("unexpected drop: %+v", d)
	}
	if len(d.Rewards) != 1 || !d.Rewards[0].Active() {
		t.Fatalf("unexpected rewards: %+v", d.Rewards)
	}
	if d.Rewards[0].TimeBasedDrops[0].RequiredMinutesWatched != 60 {
		t.Fatalf("tier minutes = %d, want 60", d.Rewards[0].TimeBasedDrops[0].RequiredMinutesWatched)
	}
}

func TestFetchSnapshotFailuresDegradeToEmpty(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"not": "an array"`))
			},
		},
		{
			name: "shape deviation",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"drops": []}`))
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := NewClient(Config{URL: srv.URL}, logx.Nop())
			if drops := c.FetchSnapshot(context.Background()); drops != nil {
				t.Fatalf("drops = %v, want nil", drops)
			}
		})
	}
}

func TestFetchSnapshotUnreachable(t *testing.T) {
	t.Parallel()
	// Closed server: connection refused must degrade to empty, not panic.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(Config{URL: srv.URL}, logx.Nop())
	if drops := c.FetchSnapshot(context.Background()); drops != nil {
		t.Fatalf("drops = %v, want nil", drops)
	}
}
