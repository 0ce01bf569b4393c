package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Feed      FeedConfig      `json:"feed"`
	Drops     DropsConfig     `json:"drops"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Storage   StorageConfig   `json:"storage"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingOperator mirrors WARN+ log records into the operator chat.
type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// FeedConfig points at the upstream drop campaign snapshot endpoint.
type FeedConfig struct {
	URL string `json:"url"`
	// Timeout is a Go duration string for the whole fetch (default "15s").
	Timeout string `json:"timeout,omitempty"`
}

// DropsConfig configures where announcements and operator traffic go.
//
// Channel entries are Telegram chat ids, optionally with a forum topic thread:
// "-1001234567890" or "-1001234567890:42".
type DropsConfig struct {
	// PostChannels receive campaign announcements. Each entry gets the full
	// summary+details payload per game per pass.
	PostChannels []string `json:"post_channels"`
	// ErrorChannel receives operator notices: new-game discoveries, anomaly
	// reports, persistence and dispatch failures.
	ErrorChannel string `json:"error_channel"`
}

// SchedulerConfig controls the periodic pipeline pass.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Spec is either a cron expression ("0 */2 * * *") or a Go duration
	// interval ("2h"). Default is every two hours.
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// NotifierConfig controls the outbound dispatch pipeline.
// All durations are Go duration strings. Omitting the section uses defaults.
type NotifierConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// StorageConfig controls the sqlite entity store.
type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}
