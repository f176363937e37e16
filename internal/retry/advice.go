package retry

import (
	"fmt"
	"strings"

	"github.com/framesync-dev/framesync/internal/adapter"
)

// terminalAdvice maps error categories to the recommendation shown once the
// retry budget is spent or the category is not retryable for the kind.
var terminalAdvice = map[Category]string{
	CategoryNetwork: "Network failure: check connectivity and that the animation assets are reachable, then retry the instance manually.",
	CategoryMemory:  "Out of memory: close other instances or reduce the animation size before adding this backend again.",
	CategorySurface: "Host surface unavailable: the rendering surface was lost or is unsupported here; remount the instance on a fresh surface.",
	CategoryBackend: "Backend failure: this renderer cannot handle the animation on this host; try a different backend kind.",
	CategoryLoading: "Load failure: the animation data could not be read by this backend; re-export the animation and load it again.",
	CategoryUnknown: "Unrecoverable failure: remove the instance and add it again, or switch to a different backend kind.",
}

// nonRetryableGuidance covers failures that should never be retried at all
var nonRetryableGuidance = []struct {
	substrings []string
	advice     string
}{
	{[]string{"validation", "invalid", "malformed"}, "Input is invalid: fix the animation data before retrying; retrying will not help."},
	{[]string{"unsupported", "not supported"}, "This operation is not supported by the backend; choose a different backend kind."},
	{[]string{"permission", "denied", "forbidden"}, "Permission denied: grant access to the underlying resource; retrying will not help."},
}

// Advice produces a human-readable status and recommendation for an
// instance's failure, distinguishing pending retries from terminal guidance.
func (s *Service) Advice(playerID string, err error, kind adapter.Kind) string {
	if err == nil {
		return "No failure recorded for this instance."
	}

	msg := strings.ToLower(err.Error())
	for _, g := range nonRetryableGuidance {
		for _, sub := range g.substrings {
			if strings.Contains(msg, sub) {
				return g.advice
			}
		}
	}

	p := s.Policy(kind)
	if s.ShouldRetry(playerID, err, kind) {
		total := 0
		if st, ok := s.GetState(playerID); ok {
			total = st.TotalRetries
		}
		delay := s.Delay(kind, total)
		return fmt.Sprintf("Will retry in %s (%d/%d attempts used).",
			delay, total, p.MaxAttempts)
	}

	category := Categorize(err.Error())
	if advice, ok := terminalAdvice[category]; ok {
		return advice
	}
	return terminalAdvice[CategoryUnknown]
}
