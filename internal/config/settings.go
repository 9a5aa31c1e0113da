package config

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"imgdraw/internal/catalog"
	"imgdraw/internal/objstore"
	"imgdraw/internal/queue"
	"imgdraw/internal/statusstore"
	"imgdraw/internal/storage"
	"imgdraw/internal/transport"
	logx "imgdraw/pkg/logx"
)

const (
	DefaultPollTimeout    = 10 * time.Second
	DefaultTrigger        = "img"
	DefaultRatePerSec     = 20
	DefaultRescanSchedule = "0 0 19,21,23,1 * * *"
	DefaultDedupWindow    = 10 * time.Minute
	DefaultHandleTimeout  = time.Minute
)

// DefaultKeepaliveSchedules cover the hours the bot is usually busy.
var DefaultKeepaliveSchedules = []string{"0 * 17-22 * * *", "0 * 11-17 * * Sat,Sun"}

// CronParser parses job schedules; the seconds field is mandatory.
var CronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ApplyDefaults fills omitted fields that have a non-zero default.
func ApplyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Telegram.Trigger) == "" {
		cfg.Telegram.Trigger = DefaultTrigger
	}
	if cfg.Telegram.RatePerSec == 0 {
		cfg.Telegram.RatePerSec = DefaultRatePerSec
	}
	if strings.TrimSpace(cfg.Rescan.Schedule) == "" {
		cfg.Rescan.Schedule = DefaultRescanSchedule
	}
	if cfg.Keepalive.Enabled && len(cfg.Keepalive.Schedules) == 0 {
		cfg.Keepalive.Schedules = append([]string(nil), DefaultKeepaliveSchedules...)
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json keys instead of Go field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks struct tags, duration strings, cron schedules and the
// timezone. Every problem is reported, not just the first.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs *multierror.Error
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = multierror.Append(errs, fmt.Errorf("%s: failed %q check", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = multierror.Append(errs, err)
		}
	}

	durations := map[string]string{
		"telegram.poll_timeout":    cfg.Telegram.PollTimeout,
		"status.busy_timeout":      cfg.Status.BusyTimeout,
		"objects.link_ttl":         cfg.Objects.LinkTTL,
		"queue.busy_timeout":       cfg.Queue.BusyTimeout,
		"queue.visibility":         cfg.Queue.Visibility,
		"consumer.poll_interval":   cfg.Consumer.PollInterval,
		"consumer.retry_base":      cfg.Consumer.RetryBase,
		"consumer.retry_max_delay": cfg.Consumer.RetryMaxDelay,
		"consumer.handle_timeout":  cfg.Consumer.HandleTimeout,
		"draw.lease":               cfg.Draw.Lease,
		"draw.count_ttl":           cfg.Draw.CountTTL,
	}
	if cfg.Storage != nil {
		durations["storage.busy_timeout"] = cfg.Storage.BusyTimeout
		durations["storage.dedup_window"] = cfg.Storage.DedupWindow
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if _, err := CronParser.Parse(cfg.Rescan.Schedule); err != nil && !cfg.Rescan.Disabled {
		errs = multierror.Append(errs, fmt.Errorf("rescan.schedule: %w", err))
	}
	for i, s := range cfg.Keepalive.Schedules {
		if _, err := CronParser.Parse(s); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("keepalive.schedules[%d]: %w", i, err))
		}
	}
	if _, err := time.LoadLocation(strings.TrimSpace(cfg.Rescan.Timezone)); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("rescan.timezone: %w", err))
	}
	if errs != nil {
		errs.ErrorFormat = listErrors
	}
	return errs.ErrorOrNil()
}

func listErrors(es []error) string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	slices.Sort(msgs)
	return "invalid config: " + strings.Join(msgs, "; ")
}

// The accessors below translate validated sections into driver configs.
// Unparseable durations fall back to the default; Validate reports them.

func durOr(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}

func (c *Config) PollTimeout() time.Duration {
	return durOr(c.Telegram.PollTimeout, DefaultPollTimeout)
}

func (c *Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Rescan.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

// NotifyTarget is the chat for reports and forwarded logs; ok is false when unset.
func (c *Config) NotifyTarget() (transport.ChatTarget, bool) {
	if c.Telegram.NotifyChat == 0 {
		return transport.ChatTarget{}, false
	}
	return transport.ChatTarget{ChatID: c.Telegram.NotifyChat, ThreadID: c.Telegram.NotifyThread}, true
}

func (c *Config) Log() logx.Config {
	target, ok := c.NotifyTarget()
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    c.Logging.Chat.Enabled && ok,
			Target:     target,
			MinLevel:   c.Logging.Chat.MinLevel,
			RatePerSec: c.Logging.Chat.RatePerSec,
		},
	}
}

func (c *Config) StatusStore() statusstore.Config {
	return statusstore.Config{
		Driver:           c.Status.Driver,
		Path:             c.Status.Path,
		BusyTimeout:      durOr(c.Status.BusyTimeout, 0),
		Container:        c.Status.Container,
		ServiceURL:       c.Status.ServiceURL,
		ConnectionString: c.Status.ConnectionString,
	}
}

func (c *Config) ObjectStore() objstore.Config {
	o := c.Objects
	return objstore.Config{
		Driver:           o.Driver,
		Root:             o.Root,
		BaseURL:          o.BaseURL,
		Container:        o.Container,
		ServiceURL:       o.ServiceURL,
		ConnectionString: o.ConnectionString,
		Bucket:           o.Bucket,
		Region:           o.Region,
		Endpoint:         o.Endpoint,
		UsePathStyle:     o.UsePathStyle,
		AccessKeyID:      o.AccessKeyID,
		SecretAccessKey:  o.SecretAccessKey,
	}
}

func (c *Config) LinkTTL() time.Duration { return durOr(c.Objects.LinkTTL, objstore.LinkTTL) }

func (c *Config) WorkQueue() queue.Config {
	return queue.Config{
		Driver:           c.Queue.Driver,
		Path:             c.Queue.Path,
		BusyTimeout:      durOr(c.Queue.BusyTimeout, 0),
		Name:             c.Queue.Name,
		ServiceURL:       c.Queue.ServiceURL,
		ConnectionString: c.Queue.ConnectionString,
		Visibility:       durOr(c.Queue.Visibility, queue.DefaultVisibility),
	}
}

func (c *Config) Worker() queue.ConsumerConfig {
	w := c.Consumer
	return queue.ConsumerConfig{
		Workers:       w.Workers,
		Batch:         w.Batch,
		PollInterval:  durOr(w.PollInterval, 0),
		MaxDeliveries: w.MaxDeliveries,
		RetryBase:     durOr(w.RetryBase, 0),
		RetryMaxDelay: durOr(w.RetryMaxDelay, 0),
		HandleTimeout: durOr(w.HandleTimeout, DefaultHandleTimeout),
	}
}

func (c *Config) Lease() time.Duration    { return durOr(c.Draw.Lease, statusstore.LeaseDuration) }
func (c *Config) CountTTL() time.Duration { return durOr(c.Draw.CountTTL, catalog.DefaultCountTTL) }

// History returns the storage config; Driver "none" when the section is omitted.
func (c *Config) History() storage.Config {
	if c.Storage == nil {
		return storage.Config{Driver: "none"}
	}
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		BusyTimeout: durOr(c.Storage.BusyTimeout, 0),
	}
}

func (c *Config) DedupWindow() time.Duration {
	if c.Storage == nil {
		return DefaultDedupWindow
	}
	return durOr(c.Storage.DedupWindow, DefaultDedupWindow)
}
