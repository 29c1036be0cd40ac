package agenda

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/agenda/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRunAtShouldFollowRepeatSettings(t *testing.T) {
	last := time.Date(2024, 3, 10, 0, 1, 0, 0, time.UTC)
	now := time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		repeat    Repeat
		lastRunAt *time.Time
		expected  *time.Time
	}{
		{
			name:     "nothing set",
			repeat:   Repeat{},
			expected: nil,
		},
		{
			name:      "milliseconds",
			repeat:    Repeat{Interval: "120000"},
			lastRunAt: &last,
			expected:  ptr(last.Add(120000 * time.Millisecond)),
		},
		{
			name:      "human interval",
			repeat:    Repeat{Interval: "2 minutes"},
			lastRunAt: &last,
			expected:  ptr(last.Add(2 * time.Minute)),
		},
		{
			name:      "go duration",
			repeat:    Repeat{Interval: "1h30m"},
			lastRunAt: &last,
			expected:  ptr(last.Add(90 * time.Minute)),
		},
		{
			name:     "duration never run",
			repeat:   Repeat{Interval: "5 minutes"},
			expected: &now,
		},
		{
			name:      "cron",
			repeat:    Repeat{Interval: "*/2 * * * *", Timezone: "UTC"},
			lastRunAt: &last,
			expected:  ptr(last.Add(time.Minute)),
		},
		{
			name:     "cron never run",
			repeat:   Repeat{Interval: "0 12 * * *", Timezone: "UTC"},
			expected: ptr(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)),
		},
		{
			name:      "cron descriptor",
			repeat:    Repeat{Interval: "@every 10s"},
			lastRunAt: &last,
			expected:  ptr(last.Add(10 * time.Second)),
		},
		{
			name:     "time of day later today",
			repeat:   Repeat{At: "3:30pm", Timezone: "UTC"},
			expected: ptr(time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC)),
		},
		{
			name:     "time of day already passed",
			repeat:   Repeat{At: "09:15", Timezone: "UTC"},
			expected: ptr(time.Date(2024, 3, 11, 9, 15, 0, 0, time.UTC)),
		},
		{
			name:     "time of day wins over interval",
			repeat:   Repeat{At: "noon", Interval: "2 minutes", Timezone: "UTC"},
			expected: ptr(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := NextRunAt(tt.repeat, tt.lastRunAt, now)
			require.NoError(t, err)

			if tt.expected == nil {
				assert.Nil(t, next)
				return
			}

			require.NotNil(t, next)
			assert.Equal(t, tt.expected.UnixMilli(), next.UnixMilli())
		})
	}
}

func TestNextRunAtShouldRejectInvalidSettings(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		repeat   Repeat
		expected error
	}{
		{
			name:     "bad time of day",
			repeat:   Repeat{At: "25 o'clock"},
			expected: ErrInvalidRepeatAt,
		},
		{
			name:     "bad interval",
			repeat:   Repeat{Interval: "every blue moon"},
			expected: ErrInvalidRepeatInterval,
		},
		{
			name:     "bad timezone",
			repeat:   Repeat{Interval: "*/5 * * * *", Timezone: "Mars/Olympus"},
			expected: ErrInvalidRepeatInterval,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := NextRunAt(tt.repeat, nil, now)

			assert.Nil(t, next)
			assert.True(t, errors.Is(err, tt.expected))
			assert.Equal(t, tt.expected.Error(), err.Error())
		})
	}
}

func TestParseHumanIntervalShouldUnderstandCommonForms(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
	}{
		{"500", 500 * time.Millisecond},
		{"10s", 10 * time.Second},
		{"1.5h", 90 * time.Minute},
		{"2 minutes", 2 * time.Minute},
		{"a minute", time.Minute},
		{"one hour and 30 minutes", 90 * time.Minute},
		{"3 days, 4 hours", 76 * time.Hour},
		{"2 weeks", 14 * 24 * time.Hour},
		{"5mins", 5 * time.Minute},
		{"Twenty Seconds", 20 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			d, err := ParseHumanInterval(tt.input)
			require.NoError(t, err)

			assert.Equal(t, tt.expected, d)
		})
	}
}

func TestParseHumanIntervalShouldFailOnGarbage(t *testing.T) {
	for _, input := range []string{"", "0", "-5", "minutes 2 2", "two", "3 fortnights"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseHumanInterval(input)
			assert.Error(t, err)
		})
	}
}

func TestParseTimeOfDayShouldAcceptClockFormats(t *testing.T) {
	tests := []struct {
		input  string
		hour   int
		minute int
	}{
		{"3:30pm", 15, 30},
		{"3:30 PM", 15, 30},
		{"11am", 11, 0},
		{"12am", 0, 0},
		{"15:45", 15, 45},
		{"midnight", 0, 0},
		{"noon", 12, 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			h, m, _, err := ParseTimeOfDay(tt.input)
			require.NoError(t, err)

			assert.Equal(t, tt.hour, h)
			assert.Equal(t, tt.minute, m)
		})
	}
}

func TestComputeNextRunAtShouldClearNextRunAtOnInvalidSettings(t *testing.T) {
	tests := []struct {
		name     string
		attrs    model.JobRecord
		expected string
	}{
		{
			name:     "repeat at",
			attrs:    model.JobRecord{Name: "report", RepeatAt: "not a time"},
			expected: "failed to calculate repeatAt time due to invalid format",
		},
		{
			name:     "repeat interval",
			attrs:    model.JobRecord{Name: "report", RepeatInterval: "sometimes"},
			expected: "failed to calculate nextRunAt due to invalid repeat interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Now()
			tt.attrs.NextRunAt = &now
			job := newJob(nil, tt.attrs)

			assert.Same(t, job, job.ComputeNextRunAt())

			assert.Nil(t, job.NextRunAt())
			assert.Equal(t, tt.expected, job.FailReason())
			assert.NotNil(t, job.Attrs().FailedAt)
		})
	}
}

func TestComputeNextRunAtShouldLeaveOneOffJobUnscheduled(t *testing.T) {
	now := time.Now()
	job := newJob(nil, model.JobRecord{Name: "report", NextRunAt: &now})

	job.ComputeNextRunAt()

	assert.Nil(t, job.NextRunAt())
	assert.Empty(t, job.FailReason())
}

func TestComputeNextRunAtShouldAddIntervalToLastRun(t *testing.T) {
	last := time.Now().Add(-time.Hour)
	job := newJob(nil, model.JobRecord{Name: "report", LastRunAt: &last})
	job.RepeatEvery("120000")

	job.ComputeNextRunAt()

	require.NotNil(t, job.NextRunAt())
	assert.Equal(t, last.Add(2*time.Minute).UnixMilli(), job.NextRunAt().UnixMilli())
}

func TestIsCronShouldTellCronFromDurations(t *testing.T) {
	assert.True(t, IsCron("*/5 * * * *"))
	assert.True(t, IsCron("0 */5 * * * *"))
	assert.True(t, IsCron("@daily"))
	assert.False(t, IsCron("5 minutes"))
	assert.False(t, IsCron("300000"))
}

func ptr[T any](v T) *T {
	return &v
}
