package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"imgdraw/internal/config"
	"imgdraw/internal/transport/telegram/router"
	logx "imgdraw/pkg/logx"
)

const rescanTimeout = 10 * time.Minute

// cronLogger routes robfig/cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

// newJobs builds the periodic rescan and keepalive jobs. ctx bounds every
// run; the caller starts and stops the returned scheduler.
func (a *App) newJobs(ctx context.Context, cfg *config.Config) (*cron.Cron, error) {
	clog := cronLogger{log: a.log.With(logx.String("comp", "cron"))}
	c := cron.New(
		cron.WithParser(config.CronParser),
		cron.WithLocation(cfg.Location()),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	if !cfg.Rescan.Disabled {
		if _, err := c.AddFunc(cfg.Rescan.Schedule, func() { a.scheduledRescan(ctx) }); err != nil {
			return nil, fmt.Errorf("rescan.schedule: %w", err)
		}
	}
	if cfg.Keepalive.Enabled {
		loc := cfg.Location()
		for i, spec := range cfg.Keepalive.Schedules {
			if _, err := c.AddFunc(spec, func() { a.keepalive(time.Now().In(loc)) }); err != nil {
				return nil, fmt.Errorf("keepalive.schedules[%d]: %w", i, err)
			}
		}
	}
	return c, nil
}

// scheduledRescan sweeps every category and posts the report to the notify
// chat when something changed.
func (a *App) scheduledRescan(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, rescanTimeout)
	defer cancel()

	start := time.Now()
	rep := a.core.Dispatcher.Rescan(ctx)
	fields := []logx.Field{logx.Int("changed", len(rep.Rows)), logx.Duration("took", time.Since(start))}
	if rep.Err != nil {
		a.log.Warn("scheduled rescan finished with errors", append(fields, logx.Err(rep.Err))...)
	} else {
		a.log.Info("scheduled rescan finished", fields...)
	}
	if len(rep.Rows) == 0 {
		return
	}
	to, ok := a.current().NotifyTarget()
	if !ok {
		return
	}
	if err := router.SendPre(ctx, a.out, to, rep.String(), 0); err != nil {
		a.log.Warn("rescan report not posted", logx.Err(err))
	}
}

func (a *App) keepalive(now time.Time) {
	a.log.Info(fmt.Sprintf("IT'S %s AND ALL IS WELL.", now.Format("3:04 PM")))
}
