package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Publisher PublisherConfig `json:"publisher"`
	Images    ImagesConfig    `json:"images"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// LogChatID receives lifecycle notifications and mirrored log lines.
	LogChatID int64 `json:"log_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy handler).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the sweep loop and the resolution policy.
//
// All durations are Go duration strings (e.g. "30s", "5m").
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Sweep is a cron spec or descriptor for the due-post sweep
	// (e.g. "@every 30s", "*/30 * * * * *"). Default "@every 30s".
	Sweep string `json:"sweep,omitempty"`

	// ClaimGrace bounds how long a crashed sweep's claim survives a restart.
	ClaimGrace string `json:"claim_grace,omitempty"`

	// ApproveOnTie / ApproveUnvoted flip the conservative default of
	// rejecting tied and unvoted posts at their due time.
	ApproveOnTie   bool `json:"approve_on_tie,omitempty"`
	ApproveUnvoted bool `json:"approve_unvoted,omitempty"`

	// PublishTimeout bounds the external publish call per post.
	PublishTimeout string `json:"publish_timeout,omitempty"`

	// HealthCheck is a cron spec or descriptor for the periodic publisher
	// credential probe. Default "@every 5m".
	HealthCheck string `json:"health_check,omitempty"`
}

type PublisherConfig struct {
	APIKey            string `json:"api_key"`
	APISecret         string `json:"api_secret"`
	AccessToken       string `json:"access_token"`
	AccessTokenSecret string `json:"access_token_secret"`
	RatePerSec        int    `json:"rate_per_sec,omitempty"`
	// HTTPTimeout is a Go duration string for individual API requests.
	HTTPTimeout string `json:"http_timeout,omitempty"`
}

type ImagesConfig struct {
	Dir string `json:"dir,omitempty"`
	// Retention is a Go duration string; orphaned attachment files older
	// than this are removed by the daily maintenance job.
	Retention string `json:"retention,omitempty"`
}
