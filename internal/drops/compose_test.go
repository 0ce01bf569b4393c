package drops

import (
	"strings"
	"testing"
	"time"

	"dropbot/internal/feed"
	"dropbot/internal/storage"
)

var composeNow = time.Date(2025, 4, 2, 15, 30, 0, 0, time.UTC)

func TestComposeSummaryAndDetails(t *testing.T) {
	t.Parallel()

	b := Batch{
		Game:      storage.Game{ID: "g1", Name: "Alpha & Omega"},
		BoxArtURL: "https://img.example/alpha-box.png",
		Campaigns: []CampaignDetail{
			{
				ID:         "c1",
				Name:       "Launch <Week>",
				ImageURL:   "https://img.example/c1.png",
				DetailsURL: "https://example.com/c1",
				StartAt:    time.Date(2025, 4, 2, 3, 0, 0, 0, time.UTC),
				EndAt:      time.Date(2025, 4, 9, 3, 0, 0, 0, time.UTC),
				Tiers: []feed.Tier{
					{Name: "Emote", RequiredMinutesWatched: 30},
					{Name: "Skin", RequiredMinutesWatched: 240, RequiredSubs: 1},
				},
			},
			{
				ID:      "c2",
				Name:    "Bonus",
				StartAt: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
				EndAt:   time.Date(2025, 4, 3, 0, 0, 0, 0, time.UTC),
			},
		},
	}

	summary, details := Compose(b, composeNow)

	if !strings.Contains(summary, "<b>Alpha &amp; Omega</b>") {
		t.Fatalf("summary missing escaped game name: %q", summary)
	}
	if !strings.Contains(summary, "• Launch &lt;Week&gt;") || !strings.Contains(summary, "• Bonus") {
		t.Fatalf("summary missing campaign bullets: %q", summary)
	}
	if !strings.Contains(summary, "https://img.example/alpha-box.png") {
		t.Fatalf("summary missing box art: %q", summary)
	}
	if len(details) != 2 {
		t.Fatalf("details = %d, want 2", len(details))
	}
	d := details[0]
	for _, want := range []string{
		"<b>Launch &lt;Week&gt;</b>",
		"https://example.com/c1",
		"https://img.example/c1.png",
		"Start: Apr 2, 2025 (today)",
		"End: Apr 9, 2025 (in 7 days)",
		"Emote — 30 minutes",
		"Skin — 240 minutes + 1 subscription",
	} {
		if !strings.Contains(d, want) {
			t.Errorf("detail missing %q:\n%s", want, d)
		}
	}
	// A campaign without art gets no stray link line.
	if strings.Contains(details[1], "img.example") {
		t.Fatalf("detail without art rendered one:\n%s", details[1])
	}
}

func TestRenderRequirement(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		tier feed.Tier
		want string
	}{
		{"minutes only", feed.Tier{RequiredMinutesWatched: 15}, "15 minutes"},
		{"one sub", feed.Tier{RequiredSubs: 1}, "1 subscription"},
		{"many subs", feed.Tier{RequiredSubs: 3}, "3 subscriptions"},
		{"both", feed.Tier{RequiredMinutesWatched: 60, RequiredSubs: 2}, "60 minutes + 2 subscriptions"},
		{"neither", feed.Tier{}, "no requirement"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := renderRequirement(tc.tier); got != tc.want {
				t.Fatalf("renderRequirement = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRenderDay(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		at   time.Time
		want string
	}{
		{"same day ignores clock", time.Date(2025, 4, 2, 23, 59, 0, 0, time.UTC), "Apr 2, 2025 (today)"},
		{"tomorrow", time.Date(2025, 4, 3, 0, 1, 0, 0, time.UTC), "Apr 3, 2025 (tomorrow)"},
		{"future", time.Date(2025, 4, 12, 0, 0, 0, 0, time.UTC), "Apr 12, 2025 (in 10 days)"},
		{"yesterday", time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC), "Apr 1, 2025 (yesterday)"},
		{"past", time.Date(2025, 3, 28, 12, 0, 0, 0, time.UTC), "Mar 28, 2025 (5 days ago)"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := renderDay(tc.at, composeNow); got != tc.want {
				t.Fatalf("renderDay = %q, want %q", got, tc.want)
			}
		})
	}
}
