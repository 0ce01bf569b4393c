package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"

	"dropbot/internal/drops"
	kit "dropbot/internal/transport"
)

func (r *Router) registerAll() {
	for _, c := range []Command{
		{
			Name:        "ignore",
			Description: "toggle announcement suppression for a game",
			Usage:       "/ignore <game> <on|off>",
			Access:      AccessOwnerOnly,
			Handle:      r.cmdIgnore,
		},
		{
			Name:        "games",
			Description: "list known games by suppression state",
			Usage:       "/games [ignored|allowed]",
			Access:      AccessOwnerOnly,
			Handle:      r.cmdGames,
		},
		{
			Name:        "refresh",
			Description: "run a pipeline pass now",
			Usage:       "/refresh",
			Access:      AccessOwnerOnly,
			Handle:      r.cmdRefresh,
		},
		{
			Name:        "drops",
			Description: "show currently active campaigns for a game",
			Usage:       "/drops <game>",
			Access:      AccessOwnerOnly,
			Handle:      r.cmdDrops,
		},
		{
			Name:        "help",
			Description: "show this help",
			Usage:       "/help",
			Access:      AccessEveryone,
			Handle:      r.cmdHelp,
		},
	} {
		r.commands[c.Name] = c
	}
}

func (r *Router) cmdIgnore(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		r.reply(ctx, req.Chat, "Usage: /ignore &lt;game&gt; &lt;on|off&gt;")
		return nil
	}

	// The game name may contain spaces; the toggle is always the last token.
	toggle := strings.ToLower(req.Args[len(req.Args)-1])
	name := strings.Join(req.Args[:len(req.Args)-1], " ")

	var suppressed bool
	switch toggle {
	case "on":
		suppressed = true
	case "off":
		suppressed = false
	default:
		r.reply(ctx, req.Chat, "Usage: /ignore &lt;game&gt; &lt;on|off&gt;")
		return nil
	}

	g, purged, err := r.engine.SetSuppressedByName(ctx, name, suppressed)
	if err != nil {
		if errors.Is(err, drops.ErrUnknownGame) {
			r.reply(ctx, req.Chat, fmt.Sprintf("Unknown game: %s", html.EscapeString(name)))
			return nil
		}
		r.reply(ctx, req.Chat, "Toggle failed, see logs.")
		return err
	}

	if suppressed {
		r.reply(ctx, req.Chat, fmt.Sprintf("🔇 <b>%s</b> is now ignored.", html.EscapeString(g.Name)))
		return nil
	}
	r.reply(ctx, req.Chat, fmt.Sprintf(
		"🔔 <b>%s</b> is now announced. %d recorded campaign(s) cleared; anything still live will be announced on the next pass.",
		html.EscapeString(g.Name), purged))
	return nil
}

func (r *Router) cmdGames(ctx context.Context, req *Request) error {
	filter := ""
	if len(req.Args) > 0 {
		filter = strings.ToLower(req.Args[0])
	}

	var b strings.Builder
	appendSection := func(title string, suppressed bool) error {
		games, err := r.engine.ListGames(ctx, suppressed)
		if err != nil {
			return err
		}
		sort.Slice(games, func(i, j int) bool { return games[i].Name < games[j].Name })
		b.WriteString("<b>" + title + "</b>")
		if len(games) == 0 {
			b.WriteString("\n(none)")
		}
		for _, g := range games {
			b.WriteString("\n• " + html.EscapeString(g.Name))
		}
		return nil
	}

	switch filter {
	case "ignored":
		if err := appendSection("Ignored", true); err != nil {
			return err
		}
	case "allowed":
		if err := appendSection("Allowed", false); err != nil {
			return err
		}
	case "":
		if err := appendSection("Allowed", false); err != nil {
			return err
		}
		b.WriteString("\n\n")
		if err := appendSection("Ignored", true); err != nil {
			return err
		}
	default:
		r.reply(ctx, req.Chat, "Usage: /games [ignored|allowed]")
		return nil
	}

	r.reply(ctx, req.Chat, b.String())
	return nil
}

func (r *Router) cmdRefresh(ctx context.Context, req *Request) error {
	if err := r.trigger.RunNow(ctx); err != nil {
		r.reply(ctx, req.Chat, "Refresh failed: "+html.EscapeString(err.Error()))
		return err
	}
	r.reply(ctx, req.Chat, "✅ Pass complete.")
	return nil
}

func (r *Router) cmdDrops(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		r.reply(ctx, req.Chat, "Usage: /drops &lt;game&gt;")
		return nil
	}
	name := strings.Join(req.Args, " ")

	a, err := r.engine.QueryByName(ctx, name)
	if err != nil {
		if errors.Is(err, drops.ErrUnknownGame) {
			r.reply(ctx, req.Chat, fmt.Sprintf("Unknown game: %s", html.EscapeString(name)))
			return nil
		}
		r.reply(ctx, req.Chat, "Lookup failed, see logs.")
		return err
	}
	if a == nil {
		r.reply(ctx, req.Chat, fmt.Sprintf("No active drops for %s right now.", html.EscapeString(name)))
		return nil
	}

	parts := append([]string{a.Summary}, a.Details...)
	r.reply(ctx, req.Chat, strings.Join(parts, "\n\n"))
	return nil
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	names := make([]string, 0, len(r.commands))
	for n := range r.commands {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("<b>Commands</b>")
	for _, n := range names {
		c := r.commands[n]
		b.WriteString(fmt.Sprintf("\n%s — %s", html.EscapeString(c.Usage), html.EscapeString(c.Description)))
	}
	_, _ = req.Adapter.SendText(ctx, req.Chat, b.String(), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return nil
}
