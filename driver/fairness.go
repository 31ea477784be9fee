package driver

import (
	"strings"

	"github.com/pkg/errors"
)

// Fairness decides which request gets a free slot when both a queued request
// and a due retry are waiting.
type Fairness uint8

const (
	// FairnessOldest picks whichever has been waiting for a slot the
	// longest: a queued request since it was submitted, a retry since its
	// backoff elapsed. Ties go to the queued request.
	FairnessOldest Fairness = iota
	// FairnessQueuedFirst serves all queued requests before any retry.
	FairnessQueuedFirst
	// FairnessRetriesFirst serves due retries before any queued request.
	FairnessRetriesFirst
)

var fairnessNames = map[Fairness]string{
	FairnessOldest:       "oldest",
	FairnessQueuedFirst:  "queued_first",
	FairnessRetriesFirst: "retries_first",
}

func (f Fairness) String() string {
	if s, ok := fairnessNames[f]; ok {
		return s
	}
	return "unknown"
}

func (f Fairness) valid() bool {
	_, ok := fairnessNames[f]
	return ok
}

// ParseFairness parses a policy name as printed by Fairness.String. An empty
// name means FairnessOldest.
func ParseFairness(s string) (Fairness, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return FairnessOldest, nil
	}
	for f, name := range fairnessNames {
		if name == s {
			return f, nil
		}
	}
	return 0, errors.Errorf("unknown fairness policy %q", s)
}
