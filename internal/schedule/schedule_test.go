package schedule

import (
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func secs(vals ...int) []time.Duration {
	out := make([]time.Duration, len(vals))
	for i, v := range vals {
		out[i] = time.Duration(v) * time.Second
	}
	return out
}

func planner() *Planner {
	return NewPlanner(rand.New(rand.NewPCG(7, 11)))
}

func requireValidation(t *testing.T, err error) *ValidationError {
	t.Helper()
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "want *ValidationError, got %v", err)
	return ve
}

func TestParseSpan(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"90s", 90 * time.Second},
		{"2h30m", 150 * time.Minute},
		{"00:01:00", time.Minute},
		{"01:30", 90 * time.Minute},
		{"45", 45 * time.Second},
		{"2d", 48 * time.Hour},
	}
	for _, tt := range tests {
		got, err := ParseSpan(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}

	for _, bad := range []string{"", "0", "-5m", "01:75", "soon", "00:00:00"} {
		_, err := ParseSpan(bad)
		assert.Error(t, err, bad)
	}
}

func TestInterval_DurationBased(t *testing.T) {
	t.Parallel()
	sp, err := Parse(ModeInterval, []string{"1m", "5m", "cats"})
	require.NoError(t, err)
	assert.Equal(t, "cats", sp.Category)

	p, err := planner().Plan(sp, now)
	require.NoError(t, err)
	assert.Equal(t, secs(0, 60, 120, 180, 240, 300), p.Delays)
	assert.Len(t, p.Items(), 6)
	assert.Equal(t, "1/6", p.Items()[0].Label)
	assert.Equal(t, "6/6", p.Items()[5].Label)
	assert.Equal(t, 5*time.Minute, p.Span())
}

func TestInterval_CountBased(t *testing.T) {
	t.Parallel()
	sp, err := Parse(ModeInterval, []string{"00:00:30", "3", "cats", "dogs"})
	require.NoError(t, err)
	assert.Equal(t, "cats dogs", sp.Category)

	p, err := planner().Plan(sp, now)
	require.NoError(t, err)
	assert.Equal(t, secs(0, 30, 60), p.Delays)
}

func TestInterval_Bounds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		args []string
		msg  string
	}{
		{"interval too short", []string{"10s", "5"}, "between 30 seconds and 24 hours"},
		{"interval too long", []string{"25h", "2"}, "between 30 seconds and 24 hours"},
		{"count one", []string{"1m", "1"}, "greater than 1 and less than 50"},
		{"count fifty", []string{"1m", "50"}, "greater than 1 and less than 50"},
		{"duration shorter than interval", []string{"10m", "5m"}, "shorter than the interval"},
		{"span over a week", []string{"24h", "9"}, "cannot last more than 7 days"},
		{"duration over a week", []string{"24h", "8d"}, "more than 7 days"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp, err := Parse(ModeInterval, tt.args)
			require.NoError(t, err)
			_, err = planner().Plan(sp, now)
			ve := requireValidation(t, err)
			assert.Contains(t, ve.Msg, tt.msg)
		})
	}
}

func TestInterval_ParseErrors(t *testing.T) {
	t.Parallel()
	for _, args := range [][]string{{"1m"}, {"bogus", "3"}, {"1m", "bogus"}} {
		_, err := Parse(ModeInterval, args)
		requireValidation(t, err)
	}
}

func TestRandom_Bounds(t *testing.T) {
	t.Parallel()

	sp, err := Parse(ModeRandom, []string{"10", "1h"})
	require.NoError(t, err)
	p, err := planner().Plan(sp, now)
	require.NoError(t, err, "6 minute average spacing is allowed")
	require.Len(t, p.Delays, 10)
	assert.Equal(t, time.Duration(0), p.Delays[0])
	assert.True(t, isSorted(p.Delays))
	for _, d := range p.Delays {
		assert.True(t, d >= 0 && d <= time.Hour, "delay %s out of range", d)
	}

	sp, err = Parse(ModeRandom, []string{"20", "1h"})
	require.NoError(t, err)
	_, err = planner().Plan(sp, now)
	ve := requireValidation(t, err)
	assert.Contains(t, ve.Msg, "more than 5 minutes")

	sp, err = Parse(ModeRandom, []string{"12", "1h"})
	require.NoError(t, err)
	_, err = planner().Plan(sp, now)
	requireValidation(t, err)

	sp, err = Parse(ModeRandom, []string{"1", "1h"})
	require.NoError(t, err)
	_, err = planner().Plan(sp, now)
	requireValidation(t, err)

	sp, err = Parse(ModeRandom, []string{"3", "8d"})
	require.NoError(t, err)
	_, err = planner().Plan(sp, now)
	requireValidation(t, err)
}

func isSorted(ds []time.Duration) bool {
	for i := 1; i < len(ds); i++ {
		if ds[i] < ds[i-1] {
			return false
		}
	}
	return true
}

func TestCron_Plan(t *testing.T) {
	t.Parallel()
	sp, err := Parse(ModeCron, []string{"*/15 * * * *", "1h", "cats"})
	require.NoError(t, err)
	assert.Equal(t, "cats", sp.Category)

	p, err := planner().Plan(sp, now)
	require.NoError(t, err)
	assert.Equal(t, secs(0, 900, 1800, 2700, 3600), p.Delays)
}

func TestCron_UnquotedFields(t *testing.T) {
	t.Parallel()
	sp, err := Parse(ModeCron, []string{"0", "*/20", "*", "*", "*", "2h", "dogs"})
	require.NoError(t, err)
	assert.Equal(t, "0 */20 * * *", sp.Cron)
	assert.Equal(t, 2*time.Hour, sp.Duration)
	assert.Equal(t, "dogs", sp.Category)

	sp, err = Parse(ModeCron, []string{"@hourly", "3h"})
	require.NoError(t, err)
	p, err := planner().Plan(sp, now)
	require.NoError(t, err)
	assert.Equal(t, secs(0, 3600, 7200, 10800), p.Delays)
}

func TestCron_SpacingViolationRejected(t *testing.T) {
	t.Parallel()
	sp, err := Parse(ModeCron, []string{"*/10 * * * * *", "5m"})
	require.NoError(t, err)
	p, err := planner().Plan(sp, now)
	ve := requireValidation(t, err)
	assert.Contains(t, ve.Msg, "between 30 seconds and 24 hours apart")
	assert.Empty(t, p.Delays, "no partial plan")
}

func TestCron_Errors(t *testing.T) {
	t.Parallel()
	_, err := Parse(ModeCron, []string{"not a cron", "1h"})
	requireValidation(t, err)

	_, err = Parse(ModeCron, []string{"*/15", "*", "1h"})
	requireValidation(t, err)

	sp, err := Parse(ModeCron, []string{"0 0 1 1 *", "1h"})
	require.NoError(t, err)
	_, err = planner().Plan(sp, now)
	ve := requireValidation(t, err)
	assert.True(t, strings.Contains(ve.Msg, "does not fire"), ve.Msg)

}

func TestLongPlansAreNotCapped(t *testing.T) {
	t.Parallel()

	sp, err := Parse(ModeInterval, []string{"30s", "1h"})
	require.NoError(t, err)
	p, err := planner().Plan(sp, now)
	require.NoError(t, err)
	assert.Len(t, p.Delays, 121)
	assert.Equal(t, time.Hour, p.Span())

	sp, err = Parse(ModeCron, []string{"*/30 * * * *", "48h"})
	require.NoError(t, err)
	p, err = planner().Plan(sp, now)
	require.NoError(t, err)
	assert.Greater(t, len(p.Delays), MaxCount)
	assert.LessOrEqual(t, p.Span(), 48*time.Hour)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "timer", ModeInterval.String())
	assert.Equal(t, "cron", ModeCron.String())
	assert.Equal(t, "random", ModeRandom.String())
}
