package admission

import (
	"time"

	"github.com/tendant/simple-impersonate/pkg/config"
	"github.com/tendant/simple-impersonate/pkg/errors"
)

// DefaultSessionDurationMinutes is used when StartSession is given no duration
const DefaultSessionDurationMinutes = 30

// Limits are the tunable admission limits. A zero field in an override means
// "keep the base value".
type Limits struct {
	MaxSessionsPerHour        int `json:"max_sessions_per_hour,omitempty"`
	MaxConcurrentSessions     int `json:"max_concurrent_sessions,omitempty"`
	MaxSessionDurationMinutes int `json:"max_session_duration_minutes,omitempty"`
	WindowSizeMinutes         int `json:"window_size_minutes,omitempty"`
}

// DefaultLimits returns 10 sessions/hour, 5 concurrent, 30 minute sessions and a 60 minute window
func DefaultLimits() Limits {
	return LimitsFromConfig(config.DefaultLimitsConfig())
}

// LimitsFromConfig converts env-loaded configuration into Limits
func LimitsFromConfig(c config.LimitsConfig) Limits {
	return Limits{
		MaxSessionsPerHour:        c.MaxSessionsPerHour,
		MaxConcurrentSessions:     c.MaxConcurrentSessions,
		MaxSessionDurationMinutes: c.MaxSessionDurationMinutes,
		WindowSizeMinutes:         c.WindowSizeMinutes,
	}
}

// Merge returns l with every non-zero field of override applied.
func (l Limits) Merge(override Limits) Limits {
	if override.MaxSessionsPerHour != 0 {
		l.MaxSessionsPerHour = override.MaxSessionsPerHour
	}
	if override.MaxConcurrentSessions != 0 {
		l.MaxConcurrentSessions = override.MaxConcurrentSessions
	}
	if override.MaxSessionDurationMinutes != 0 {
		l.MaxSessionDurationMinutes = override.MaxSessionDurationMinutes
	}
	if override.WindowSizeMinutes != 0 {
		l.WindowSizeMinutes = override.WindowSizeMinutes
	}
	return l
}

// Validate returns an INVALID_CONFIG error when any limit is not positive
func (l Limits) Validate() error {
	c := config.LimitsConfig{
		MaxSessionsPerHour:        l.MaxSessionsPerHour,
		MaxConcurrentSessions:     l.MaxConcurrentSessions,
		MaxSessionDurationMinutes: l.MaxSessionDurationMinutes,
		WindowSizeMinutes:         l.WindowSizeMinutes,
	}
	if err := c.Validate(); err != nil {
		return errors.InvalidConfig(err)
	}
	return nil
}

// Window is the sliding window length
func (l Limits) Window() time.Duration {
	return time.Duration(l.WindowSizeMinutes) * time.Minute
}

// MaxDuration is the longest session that may be started
func (l Limits) MaxDuration() time.Duration {
	return time.Duration(l.MaxSessionDurationMinutes) * time.Minute
}
