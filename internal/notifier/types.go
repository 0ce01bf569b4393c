package notifier

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	kit "dropbot/internal/transport"
)

type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// PostChannels receive announcements; ErrorChannel receives operator
	// notices. Entries are "chatID" or "chatID:threadID".
	PostChannels []string
	ErrorChannel string
}

type job struct {
	target kit.ChatTarget
	text   string
	boost  bool
}

// parseTarget resolves a configured channel entry into a chat target.
func parseTarget(raw string) (kit.ChatTarget, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return kit.ChatTarget{}, fmt.Errorf("empty channel entry")
	}
	chatPart, threadPart, hasThread := strings.Cut(s, ":")
	chatID, err := strconv.ParseInt(strings.TrimSpace(chatPart), 10, 64)
	if err != nil {
		return kit.ChatTarget{}, fmt.Errorf("invalid chat id %q: %w", raw, err)
	}
	t := kit.ChatTarget{ChatID: chatID}
	if hasThread {
		threadID, err := strconv.Atoi(strings.TrimSpace(threadPart))
		if err != nil {
			return kit.ChatTarget{}, fmt.Errorf("invalid thread id %q: %w", raw, err)
		}
		t.ThreadID = threadID
	}
	return t, nil
}
