package environment

import (
	"fmt"

	"github.com/nsf/jsondiff"

	"github.com/runtara/core/persistence"
)

// stepDiffOptions controls how two consecutive step-debug payloads are
// rendered when a caller inspects ListEvents output for drift between
// retries of the same step.
var stepDiffOptions = jsondiff.DefaultConsoleOptions()

// DiffStepDebugEvents compares the JSON payloads of two step-debug
// events (typically consecutive retry attempts of the same checkpoint)
// and returns a human-readable diff for management-surface tooling,
// or "" when the payloads match. Events whose kind isn't EventStepDebug
// are rejected with an error; payloads that aren't valid JSON yield
// jsondiff's invalid-argument message rather than a diff.
func DiffStepDebugEvents(before, after *persistence.Event) (string, error) {
	if before == nil || after == nil {
		return "", fmt.Errorf("environment: diff requires two non-nil events")
	}
	if before.Kind != persistence.EventStepDebug || after.Kind != persistence.EventStepDebug {
		return "", fmt.Errorf("environment: diff only supported for %s events", persistence.EventStepDebug)
	}
	diff, rendered := jsondiff.Compare(before.Payload, after.Payload, &stepDiffOptions)
	if diff == jsondiff.FullMatch {
		return "", nil
	}
	return rendered, nil
}
