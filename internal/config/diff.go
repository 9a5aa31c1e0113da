package config

import (
	"reflect"
	"slices"
	"strings"

	logx "imgdraw/pkg/logx"
)

// LiveSections are applied without a restart.
var LiveSections = []string{"logging"}

// SummarizeConfigChange returns the changed top-level sections and safe
// attrs for logging. Secrets (bot token, connection strings, keys) are never
// included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Int("telegram.allowed_chats", len(newCfg.Telegram.AllowedChats)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Status, newCfg.Status) {
		changed = append(changed, "status")
		attrs = append(attrs, logx.String("status.driver", strings.TrimSpace(newCfg.Status.Driver)))
	}
	if !reflect.DeepEqual(oldCfg.Objects, newCfg.Objects) {
		changed = append(changed, "objects")
		attrs = append(attrs, logx.String("objects.driver", strings.TrimSpace(newCfg.Objects.Driver)))
	}
	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs, logx.String("queue.driver", strings.TrimSpace(newCfg.Queue.Driver)))
	}
	if !reflect.DeepEqual(oldCfg.Consumer, newCfg.Consumer) {
		changed = append(changed, "consumer")
		attrs = append(attrs, logx.Int("consumer.workers", newCfg.Consumer.Workers))
	}
	if !reflect.DeepEqual(oldCfg.Draw, newCfg.Draw) {
		changed = append(changed, "draw")
	}
	if !reflect.DeepEqual(oldCfg.Rescan, newCfg.Rescan) {
		changed = append(changed, "rescan")
		attrs = append(attrs,
			logx.Bool("rescan.disabled", newCfg.Rescan.Disabled),
			logx.String("rescan.schedule", newCfg.Rescan.Schedule),
		)
	}
	if !reflect.DeepEqual(oldCfg.Keepalive, newCfg.Keepalive) {
		changed = append(changed, "keepalive")
		attrs = append(attrs, logx.Bool("keepalive.enabled", newCfg.Keepalive.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.History().Driver))
	}
	return changed, attrs
}

// NeedsRestart reports whether any changed section is not applied live.
func NeedsRestart(changed []string) bool {
	for _, c := range changed {
		if !slices.Contains(LiveSections, c) {
			return true
		}
	}
	return false
}
