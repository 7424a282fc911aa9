package environment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runtara/core/persistence"
)

func TestDiffStepDebugEventsReportsFieldChange(t *testing.T) {
	before := &persistence.Event{
		InstanceID: "ex1",
		Kind:       persistence.EventStepDebug,
		Payload:    []byte(`{"attempt":1,"value":"a"}`),
		OccurredAt: time.Now(),
	}
	after := &persistence.Event{
		InstanceID: "ex1",
		Kind:       persistence.EventStepDebug,
		Payload:    []byte(`{"attempt":2,"value":"b"}`),
		OccurredAt: time.Now(),
	}

	rendered, err := DiffStepDebugEvents(before, after)
	require.NoError(t, err)
	require.NotEmpty(t, rendered)
}

func TestDiffStepDebugEventsFullMatchIsEmpty(t *testing.T) {
	before := &persistence.Event{Kind: persistence.EventStepDebug, Payload: []byte(`{"a":1}`)}
	after := &persistence.Event{Kind: persistence.EventStepDebug, Payload: []byte(`{"a":1}`)}

	rendered, err := DiffStepDebugEvents(before, after)
	require.NoError(t, err)
	require.Empty(t, rendered)
}

func TestDiffStepDebugEventsRejectsNonStepDebugKind(t *testing.T) {
	before := &persistence.Event{Kind: persistence.EventCompleted, Payload: []byte(`{}`)}
	after := &persistence.Event{Kind: persistence.EventStepDebug, Payload: []byte(`{}`)}

	_, err := DiffStepDebugEvents(before, after)
	require.Error(t, err)
}
