package dispatch

import (
	"fmt"
	"strings"

	"github.com/Linzell/BrokeAgent-sub001/internal/backend"
)

// AttemptFailure records one failed backend attempt inside a dispatch call.
type AttemptFailure struct {
	Backend backend.ID `json:"backend"`
	Reason  Reason     `json:"reason"`
	Message string     `json:"message"`
}

// AllBackendsUnavailableError is returned when no candidate passed the
// breaker and the grace wait did not help. Candidates carries the cooling
// state of every candidate so the caller can see who recovers when.
type AllBackendsUnavailableError struct {
	Candidates []Health
}

func (e *AllBackendsUnavailableError) Error() string {
	parts := make([]string, 0, len(e.Candidates))
	for _, h := range e.Candidates {
		if h.UnavailableUntil != nil {
			parts = append(parts, fmt.Sprintf("%s: %s until %s", h.Backend, h.UnavailableReason, h.UnavailableUntil.Format("15:04:05")))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", h.Backend, h.UnavailableReason))
		}
	}
	return "all backends unavailable: " + strings.Join(parts, "; ")
}

// AllBackendsFailedError is returned when every ranked candidate was
// attempted and failed within one dispatch call. Attempts holds the failures
// in call order.
type AllBackendsFailedError struct {
	Attempts []AttemptFailure
}

func (e *AllBackendsFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s (%s)", a.Backend, a.Message, a.Reason))
	}
	return "all backends failed: " + strings.Join(parts, "; ")
}
