package health

import (
	"context"
	"fmt"
)

// DatabaseCheck returns a health check for database connectivity.
func DatabaseCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "database connection failed",
				Error:   err.Error(),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "database connection ok",
		}
	}
}

// ConnectionCheck maps the delivery connection state onto a status:
// connected is healthy, connecting degraded, disconnected unhealthy.
func ConnectionCheck(state func() (string, int)) Check {
	return func(context.Context) CheckResult {
		s, failures := state()
		details := map[string]any{"state": s, "consecutive_failures": failures}

		switch s {
		case "connected":
			return CheckResult{Status: StatusHealthy, Message: "collection service reachable", Details: details}
		case "connecting":
			return CheckResult{Status: StatusDegraded, Message: "retrying collection service", Details: details}
		default:
			return CheckResult{Status: StatusUnhealthy, Message: "collection service unreachable", Details: details}
		}
	}
}

// QueueCheck reports degraded once the retry queue is at least 80% full.
func QueueCheck(length func() int, capacity int) Check {
	return func(context.Context) CheckResult {
		n := length()
		details := map[string]any{"items": n, "capacity": capacity}

		if capacity > 0 && n*5 >= capacity*4 {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("retry queue nearly full (%d/%d)", n, capacity),
				Details: details,
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "retry queue ok", Details: details}
	}
}

// WatchersCheck is unhealthy when no configured repository is watched and
// degraded when only some are.
func WatchersCheck(counts func() (running, configured int)) Check {
	return func(context.Context) CheckResult {
		running, configured := counts()
		details := map[string]any{"running": running, "configured": configured}

		switch {
		case configured == 0:
			return CheckResult{Status: StatusDegraded, Message: "no repositories configured", Details: details}
		case running == 0:
			return CheckResult{Status: StatusUnhealthy, Message: "no repository is being watched", Details: details}
		case running < configured:
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%d of %d repositories watched", running, configured),
				Details: details,
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "all repositories watched", Details: details}
	}
}
