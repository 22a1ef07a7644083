package capture

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserfairy/browserfairy-go/internal/protocol"
)

func TestLongTaskCollector_HandleBindingCalled_FiltersShortTasks(t *testing.T) {
	var got []Record
	l := &LongTaskCollector{
		host:     "example.com",
		targetID: "t1",
		sink:     func(r Record) { got = append(got, r) },
	}

	short := bindingEvent(t, 10)
	l.handleBindingCalled(short)
	assert.Empty(t, got, "a task under the threshold must not be reported")

	long := bindingEvent(t, 75)
	l.handleBindingCalled(long)
	require.Len(t, got, 1)
	rec, ok := got[0].(LongTask)
	require.True(t, ok)
	assert.Equal(t, "longtask", rec.Type)
	assert.Equal(t, 75.0, rec.DurationMs)
	assert.NotEmpty(t, rec.ID)
}

func TestLongTaskCollector_HandleBindingCalled_IgnoresOtherBindings(t *testing.T) {
	var got []Record
	l := &LongTaskCollector{
		host:     "example.com",
		targetID: "t1",
		sink:     func(r Record) { got = append(got, r) },
	}

	payload, err := json.Marshal(bindingCalledParams{Name: "__someOtherBinding", Payload: "100"})
	require.NoError(t, err)
	l.handleBindingCalled(protocol.Event{Params: payload})
	assert.Empty(t, got)
}

func bindingEvent(t *testing.T, durationMs float64) protocol.Event {
	t.Helper()
	payloadBytes, err := json.Marshal(durationMs)
	require.NoError(t, err)
	params, err := json.Marshal(bindingCalledParams{
		Name:    "__browserfairyLongTask",
		Payload: string(payloadBytes),
	})
	require.NoError(t, err)
	return protocol.Event{Params: params}
}
