package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tendant/simple-impersonate/pkg/errors"
)

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	assert.Equal(t, Limits{MaxSessionsPerHour: 10, MaxConcurrentSessions: 5, MaxSessionDurationMinutes: 30, WindowSizeMinutes: 60}, l)
	assert.NoError(t, l.Validate())
	assert.Equal(t, time.Hour, l.Window())
	assert.Equal(t, 30*time.Minute, l.MaxDuration())
}

func TestLimits_Merge(t *testing.T) {
	merged := DefaultLimits().Merge(Limits{MaxConcurrentSessions: 2, WindowSizeMinutes: 15})
	assert.Equal(t, Limits{MaxSessionsPerHour: 10, MaxConcurrentSessions: 2, MaxSessionDurationMinutes: 30, WindowSizeMinutes: 15}, merged)

	assert.Equal(t, DefaultLimits(), DefaultLimits().Merge(Limits{}))
}

func TestLimits_Validate(t *testing.T) {
	tests := []struct {
		name   string
		limits Limits
	}{
		{"zero per hour", Limits{MaxSessionsPerHour: 0, MaxConcurrentSessions: 5, MaxSessionDurationMinutes: 30, WindowSizeMinutes: 60}},
		{"negative concurrent", Limits{MaxSessionsPerHour: 10, MaxConcurrentSessions: -1, MaxSessionDurationMinutes: 30, WindowSizeMinutes: 60}},
		{"zero duration", Limits{MaxSessionsPerHour: 10, MaxConcurrentSessions: 5, WindowSizeMinutes: 60}},
		{"zero window", Limits{MaxSessionsPerHour: 10, MaxConcurrentSessions: 5, MaxSessionDurationMinutes: 30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig), "got %v", err)
		})
	}
}
