package app

import (
	"math"
	"time"
)

// MaintenanceConfig describes an optional maintenance window. With no window
// bounds, Enabled alone switches maintenance on.
type MaintenanceConfig struct {
	Enabled bool
	Start   time.Time
	End     time.Time
	Message string
}

// MaintenanceStatus is the client-visible state of the maintenance window.
type MaintenanceStatus struct {
	Enabled          bool       `json:"enabled"`
	Message          string     `json:"message,omitempty"`
	EndsAt           *time.Time `json:"endsAt,omitempty"`
	RemainingMinutes int        `json:"remainingMinutes,omitempty"`
}

// Status evaluates the window at the given instant.
func (c MaintenanceConfig) Status(now time.Time) MaintenanceStatus {
	status := MaintenanceStatus{Message: c.Message}
	if !c.Enabled {
		return MaintenanceStatus{}
	}
	if !c.Start.IsZero() && now.Before(c.Start) {
		return MaintenanceStatus{}
	}
	if !c.End.IsZero() {
		if now.After(c.End) {
			return MaintenanceStatus{}
		}
		end := c.End
		status.EndsAt = &end
		status.RemainingMinutes = int(math.Ceil(c.End.Sub(now).Minutes()))
	}
	status.Enabled = true
	return status
}
