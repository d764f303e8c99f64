package delivery

import "time"

// ConnectionState is a coarse view of whether the collection service is reachable.
type ConnectionState string

// Connection states.
const (
	StateConnected    ConnectionState = "connected"
	StateConnecting   ConnectionState = "connecting"
	StateDisconnected ConnectionState = "disconnected"
)

// FailureThreshold is the number of consecutive retryable failures after
// which the connection is considered down.
const FailureThreshold = 3

// Health is the connection bookkeeping kept by a Client. It is a plain value;
// the functions below return the next state without side effects.
type Health struct {
	State               ConnectionState `json:"state"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastSuccess         time.Time       `json:"last_success,omitzero"`
}

// InitialHealth is the state before any exchange with the service.
func InitialHealth() Health {
	return Health{State: StateConnecting}
}

// RecordSuccess marks an exchange that reached the service, including 4xx replies.
func RecordSuccess(_ Health, now time.Time) Health {
	return Health{State: StateConnected, LastSuccess: now}
}

// RecordFailure counts a retryable failure.
func RecordFailure(h Health) Health {
	h.ConsecutiveFailures++
	if h.ConsecutiveFailures >= FailureThreshold {
		h.State = StateDisconnected
	}
	return h
}

// MarkConnecting flags a pending backoff. A disconnected state is kept until
// an exchange succeeds.
func MarkConnecting(h Health) Health {
	if h.State != StateDisconnected {
		h.State = StateConnecting
	}
	return h
}
