package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"); empty means the documented default.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Status is the per-category seen/unseen record store.
	Status StatusConfig `json:"status"`
	// Objects is the item listing service.
	Objects  ObjectsConfig  `json:"objects"`
	Queue    QueueConfig    `json:"queue"`
	Consumer ConsumerConfig `json:"consumer"`

	Draw      DrawConfig      `json:"draw"`
	Rescan    RescanConfig    `json:"rescan"`
	Keepalive KeepaliveConfig `json:"keepalive"`

	// Storage keeps the draw history and inbound dedup marks.
	// If omitted, both are disabled.
	Storage *StorageConfig `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs may run !reset and !rescan. Empty allows everyone.
	OwnerUserIDs []int64 `json:"owner_user_ids" validate:"omitempty,dive,gt=0"`
	// AllowedChats limits which chats are answered. Empty allows all.
	AllowedChats []int64 `json:"allowed_chats,omitempty"`
	// NotifyChat receives rescan reports and forwarded log records (0 disables).
	NotifyChat   int64 `json:"notify_chat,omitempty"`
	NotifyThread int   `json:"notify_thread,omitempty" validate:"gte=0"`
	// PollTimeout is the long-poll timeout (default 10s).
	PollTimeout string `json:"poll_timeout"`
	// Trigger is the command word for draws, without the slash (default "img").
	Trigger string `json:"trigger,omitempty" validate:"omitempty,alphanum"`
	// RatePerSec bounds outbound sends (default 20).
	RatePerSec int `json:"rate_per_sec,omitempty" validate:"gte=0,lte=30"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// LoggingChat forwards records to telegram.notify_chat.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level" validate:"omitempty,oneof=trace debug info warn error"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// StatusConfig selects the status store.
//
// Example:
//
//	"status": { "driver": "azblob", "container": "imgdraw-status", "connection_string": "..." }
type StatusConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=memory sqlite sqlite3 azblob azure"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	Container        string `json:"container,omitempty"`
	ServiceURL       string `json:"service_url,omitempty" validate:"omitempty,url"`
	ConnectionString string `json:"connection_string,omitempty"`
}

// ObjectsConfig selects the object store holding one folder per category.
type ObjectsConfig struct {
	Driver string `json:"driver" validate:"omitempty,oneof=memory fs file azblob azure s3"`

	Root    string `json:"root,omitempty"`
	BaseURL string `json:"base_url,omitempty" validate:"omitempty,url"`

	Container        string `json:"container,omitempty"`
	ServiceURL       string `json:"service_url,omitempty" validate:"omitempty,url"`
	ConnectionString string `json:"connection_string,omitempty"`

	Bucket          string `json:"bucket,omitempty"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty" validate:"omitempty,url"`
	UsePathStyle    bool   `json:"use_path_style,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" validate:"required_with=AccessKeyID"`

	// LinkTTL is the lifetime of delivered links (default 24h).
	LinkTTL string `json:"link_ttl,omitempty"`
}

// QueueConfig selects the deferred work-item queue.
type QueueConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=memory sqlite sqlite3 azqueue azure"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	Name             string `json:"name,omitempty"`
	ServiceURL       string `json:"service_url,omitempty" validate:"omitempty,url"`
	ConnectionString string `json:"connection_string,omitempty"`

	// Visibility hides a received item until it is acked (default 2m).
	Visibility string `json:"visibility,omitempty"`
}

// ConsumerConfig controls the work-item worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - batch: 1
//   - poll_interval: "1s"
//   - max_deliveries: 5
//   - retry_base: "5s"
//   - retry_max_delay: "2m"
//   - handle_timeout: "1m"
type ConsumerConfig struct {
	Workers       int    `json:"workers,omitempty" validate:"gte=0,lte=64"`
	Batch         int    `json:"batch,omitempty" validate:"gte=0,lte=32"`
	PollInterval  string `json:"poll_interval,omitempty"`
	MaxDeliveries int    `json:"max_deliveries,omitempty" validate:"gte=0"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	HandleTimeout string `json:"handle_timeout,omitempty"`
}

type DrawConfig struct {
	// Lease is the status lease held while drawing (default 45s).
	Lease string `json:"lease,omitempty"`
	// CountTTL is the unseen count cache lifetime (default 15m).
	CountTTL string `json:"count_ttl,omitempty"`
}

// RescanConfig controls the periodic reconcile sweep.
type RescanConfig struct {
	Disabled bool `json:"disabled,omitempty"`
	// Schedule is a cron expression with seconds (default "0 0 19,21,23,1 * * *").
	Schedule    string `json:"schedule,omitempty"`
	Concurrency int    `json:"concurrency,omitempty" validate:"gte=0,lte=64"`
	// Timezone for Schedule and keepalive jobs (default local).
	Timezone string `json:"timezone,omitempty"`
}

// KeepaliveConfig logs a heartbeat line on the given cron schedules.
type KeepaliveConfig struct {
	Enabled   bool     `json:"enabled"`
	Schedules []string `json:"schedules,omitempty"`
}

// StorageConfig controls the optional history/dedup persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./imgdraw_store" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path        string `json:"path" validate:"required_if=Driver file,required_if=Driver sqlite"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// DedupWindow drops re-delivered inbound updates (default 10m).
	DedupWindow string `json:"dedup_window,omitempty"`
}
