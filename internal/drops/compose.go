package drops

import (
	"fmt"
	"html"
	"strings"
	"time"

	"dropbot/internal/feed"
)

// Compose turns one reconciled batch into an announcement: a summary with the
// game name, its box art and the qualifying campaign names, plus one detail
// block per campaign. Pure; now is injected for stable rendering.
//
// Output is Telegram HTML; display names from the feed are escaped. Art is
// rendered as a plain link so Telegram's preview picks the image up.
func Compose(b Batch, now time.Time) (string, []string) {
	var s strings.Builder
	s.WriteString("🎁 <b>New Drops!</b>\n")
	s.WriteString("Game: <b>" + html.EscapeString(b.Game.Name) + "</b>\n")
	if b.BoxArtURL != "" {
		s.WriteString(html.EscapeString(b.BoxArtURL) + "\n")
	}
	s.WriteString("Campaigns:")
	for _, c := range b.Campaigns {
		s.WriteString("\n• " + html.EscapeString(c.Name))
	}

	details := make([]string, 0, len(b.Campaigns))
	for _, c := range b.Campaigns {
		details = append(details, composeDetail(c, now))
	}
	return s.String(), details
}

func composeDetail(c CampaignDetail, now time.Time) string {
	var d strings.Builder
	d.WriteString("<b>" + html.EscapeString(c.Name) + "</b>")
	if c.ImageURL != "" {
		d.WriteString("\n" + html.EscapeString(c.ImageURL))
	}
	if c.DetailsURL != "" {
		d.WriteString("\n" + html.EscapeString(c.DetailsURL))
	}
	d.WriteString("\nStart: " + renderDay(c.StartAt, now))
	d.WriteString("\nEnd: " + renderDay(c.EndAt, now))
	for _, t := range c.Tiers {
		d.WriteString("\n• ")
		if t.Name != "" {
			d.WriteString(html.EscapeString(t.Name) + " — ")
		}
		d.WriteString(renderRequirement(t))
	}
	return d.String()
}

// renderRequirement renders a tier as "N minutes", "N subscription(s)", or
// both when the tier requires both.
func renderRequirement(t feed.Tier) string {
	var parts []string
	if t.RequiredMinutesWatched > 0 {
		parts = append(parts, fmt.Sprintf("%d minutes", t.RequiredMinutesWatched))
	}
	if t.RequiredSubs > 0 {
		noun := "subscriptions"
		if t.RequiredSubs == 1 {
			noun = "subscription"
		}
		parts = append(parts, fmt.Sprintf("%d %s", t.RequiredSubs, noun))
	}
	if len(parts) == 0 {
		return "no requirement"
	}
	return strings.Join(parts, " + ")
}

// renderDay renders a timestamp at day resolution with a relative hint.
// The source intentionally truncates to day granularity before display, so
// sub-day precision is not rendered.
func renderDay(t, now time.Time) string {
	day := truncateDay(t)
	diff := int(day.Sub(truncateDay(now)).Hours() / 24)

	var rel string
	switch {
	case diff == 0:
		rel = "today"
	case diff == 1:
		rel = "tomorrow"
	case diff > 1:
		rel = fmt.Sprintf("in %d days", diff)
	case diff == -1:
		rel = "yesterday"
	default:
		rel = fmt.Sprintf("%d days ago", -diff)
	}
	return day.Format("Jan 2, 2006") + " (" + rel + ")"
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
