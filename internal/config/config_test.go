package config

import (
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"imgdraw/internal/queue"
	"imgdraw/internal/statusstore"
	"imgdraw/internal/transport"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  notify_chat: -1001
  notify_thread: 7
  poll_timeout: 20s
logging:
  level: debug
  console: true
  chat:
    enabled: true
    min_level: warn
status:
  driver: sqlite
  path: ./data/status.db
objects:
  driver: s3
  bucket: pictures
  region: eu-west-1
  link_ttl: 12h
queue:
  driver: azqueue
  name: imgdraw-work
  connection_string: "UseDevelopmentStorage=true"
  visibility: 90s
consumer:
  workers: 4
  retry_base: 2s
rescan:
  timezone: UTC
keepalive:
  enabled: true
storage:
  driver: file
  path: ./data/store
`

func TestDecode_YAML(t *testing.T) {
	cfg, err := Decode("imgdraw.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	st, obj, q, w, lc := cfg.StatusStore(), cfg.ObjectStore(), cfg.WorkQueue(), cfg.Worker(), cfg.Log()
	checks := []struct {
		name      string
		got, want any
	}{
		{"token", cfg.Telegram.Token, "123:abc"},
		{"owners", cfg.Telegram.OwnerUserIDs, []int64{42}},
		{"poll timeout", cfg.PollTimeout(), 20 * time.Second},
		{"default trigger", cfg.Telegram.Trigger, DefaultTrigger},
		{"default rate", cfg.Telegram.RatePerSec, DefaultRatePerSec},
		{"default rescan", cfg.Rescan.Schedule, DefaultRescanSchedule},
		{"default keepalive", cfg.Keepalive.Schedules, DefaultKeepaliveSchedules},
		{"location", cfg.Location(), time.UTC},
		{"status driver", st.Driver, "sqlite"},
		{"status path", st.Path, "./data/status.db"},
		{"objects driver", obj.Driver, "s3"},
		{"objects bucket", obj.Bucket, "pictures"},
		{"link ttl", cfg.LinkTTL(), 12 * time.Hour},
		{"queue driver", q.Driver, "azqueue"},
		{"visibility", q.Visibility, 90 * time.Second},
		{"workers", w.Workers, 4},
		{"retry base", w.RetryBase, 2 * time.Second},
		{"handle timeout", w.HandleTimeout, DefaultHandleTimeout},
		{"lease", cfg.Lease(), statusstore.LeaseDuration},
		{"history driver", cfg.History().Driver, "file"},
		{"dedup window", cfg.DedupWindow(), DefaultDedupWindow},
		{"chat log", lc.Chat.Enabled, true},
		{"chat log target", lc.Chat.Target, transport.ChatTarget{ChatID: -1001, ThreadID: 7}},
	}
	for _, c := range checks {
		if !reflect.DeepEqual(c.got, c.want) {
			t.Fatalf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestDecode_JSONMinimal(t *testing.T) {
	cfg, err := Decode("imgdraw.json", []byte(`{"telegram":{"token":"t"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := cfg.History().Driver; got != "none" {
		t.Fatalf("history driver = %q, want none", got)
	}
	if got := cfg.WorkQueue().Visibility; got != queue.DefaultVisibility {
		t.Fatalf("visibility = %s", got)
	}
	if len(cfg.Keepalive.Schedules) != 0 {
		t.Fatalf("keepalive schedules defaulted while disabled: %v", cfg.Keepalive.Schedules)
	}
	if _, ok := cfg.NotifyTarget(); ok {
		t.Fatalf("notify target set without notify_chat")
	}
	if cfg.Log().Chat.Enabled {
		t.Fatalf("chat logging enabled by default")
	}
}

func TestDecode_EmptyYAML(t *testing.T) {
	cfg, err := Decode("imgdraw.yml", nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Rescan.Schedule != DefaultRescanSchedule {
		t.Fatalf("rescan schedule = %q", cfg.Rescan.Schedule)
	}
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]struct {
		name string
		body string
		want string
	}{
		"unknown key":      {"c.json", `{"telegram":{"token":"t","pollTimeout":"1s"}}`, "unknown field"},
		"trailing data":    {"c.json", `{} {}`, "trailing data"},
		"bad yaml":         {"c.yaml", "telegram: [", "yaml unmarshal"},
		"status driver":    {"c.json", `{"status":{"driver":"redis"}}`, "status.driver"},
		"queue driver":     {"c.json", `{"queue":{"driver":"sqs"}}`, "queue.driver"},
		"bad duration":     {"c.json", `{"consumer":{"retry_base":"soon"}}`, "consumer.retry_base"},
		"negative":         {"c.json", `{"draw":{"lease":"-1s"}}`, "draw.lease"},
		"rescan cron":      {"c.json", `{"rescan":{"schedule":"*/5 * * * *"}}`, "rescan.schedule"},
		"keepalive cron":   {"c.json", `{"keepalive":{"enabled":true,"schedules":["nope"]}}`, "keepalive.schedules[0]"},
		"timezone":         {"c.json", `{"rescan":{"timezone":"Mars/Olympus"}}`, "rescan.timezone"},
		"log file path":    {"c.json", `{"logging":{"file":{"enabled":true}}}`, "logging.file.path"},
		"storage path":     {"c.json", `{"storage":{"driver":"sqlite"}}`, "storage.path"},
		"owner id":         {"c.json", `{"telegram":{"owner_user_ids":[0]}}`, "owner_user_ids"},
		"s3 secret needed": {"c.json", `{"objects":{"driver":"s3","access_key_id":"AK"}}`, "secret_access_key"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.name, []byte(tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Decode error = %v, want it to mention %q", err, tc.want)
			}
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := &Config{
		Status:   StatusConfig{Driver: "redis"},
		Consumer: ConsumerConfig{PollInterval: "x"},
	}
	ApplyDefaults(cfg)
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"status.driver", "consumer.poll_interval"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestRescanDisabledSkipsScheduleCheck(t *testing.T) {
	if _, err := Decode("c.json", []byte(`{"rescan":{"disabled":true,"schedule":"bogus"}}`)); err != nil {
		t.Fatalf("Decode: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	newCfg, _ := Decode("c.yaml", []byte(sampleYAML))

	if changed, _ := SummarizeConfigChange(oldCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}

	newCfg.Logging.Level = "info"
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if !slices.Equal(changed, []string{"logging"}) || NeedsRestart(changed) {
		t.Fatalf("logging change = %v (restart=%v)", changed, NeedsRestart(changed))
	}

	newCfg.Queue.Name = "other"
	newCfg.Telegram.Token = "secret"
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if !slices.Equal(changed, []string{"telegram", "logging", "queue"}) {
		t.Fatalf("changed = %v", changed)
	}
	if !NeedsRestart(changed) || len(attrs) == 0 {
		t.Fatalf("expected a restart with attrs, got restart=%v attrs=%d", NeedsRestart(changed), len(attrs))
	}
}

func TestManager_LoadAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "imgdraw.yaml")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write("logging:\n  level: info\n")

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" || m.Get() != cfg {
		t.Fatalf("Load did not commit the config")
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// unchanged content is not republished
	m.reload()
	if len(sub) != 0 {
		t.Fatalf("unchanged config was published")
	}

	write("logging:\n  level: debug\n")
	m.reload()
	if len(sub) != 1 {
		t.Fatalf("expected one published config, got %d", len(sub))
	}
	got := <-sub
	if got.Logging.Level != "debug" || m.Get() != got {
		t.Fatalf("reload did not commit the new config")
	}

	// invalid content keeps the committed config
	write("logging:\n  level: loud\n")
	m.reload()
	if len(sub) != 0 || m.Get().Logging.Level != "debug" {
		t.Fatalf("invalid config replaced the committed one")
	}
}

func TestManager_PublishKeepsNewest(t *testing.T) {
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatalf("subscriber got a stale config")
	}

	m.Unsubscribe(sub)
	if _, open := <-sub; open {
		t.Fatalf("channel still open after Unsubscribe")
	}
}
