package events

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	runID  = "11111111-1111-1111-1111-111111111111"
	stepID = "22222222-2222-2222-2222-222222222222"
)

func TestDecode_AllTypes(t *testing.T) {
	items, err := Decode(strings.NewReader(`{"events":[
		{"type":"run.start","run_id":"` + runID + `","ts":"2026-01-01T00:00:00Z","project_id":"p","runbook":"allowed_tools: []"},
		{"type":"step.start","run_id":"` + runID + `","step_id":"` + stepID + `","ts":"2026-01-01T00:00:01Z","index":0,"name":"n","tool":"t","input":{"q":1}},
		{"type":"step.end","run_id":"` + runID + `","step_id":"` + stepID + `","ts":"2026-01-01T00:00:02Z","tokens":5,"cost_usd":0.001},
		{"type":"run.end","run_id":"` + runID + `","ts":"2026-01-01T00:00:03Z","totals":{"tokens":5}}
	]}`))
	require.NoError(t, err)
	require.Len(t, items, 4)
	for i, it := range items {
		require.NoError(t, it.Err, "item %d", i)
		assert.Equal(t, i, it.Index)
	}

	rs := items[0].Event.(RunStart)
	assert.Equal(t, "p", rs.ProjectID)
	require.NotNil(t, rs.Runbook)

	se := items[2].Event.(StepEnd)
	assert.Equal(t, int64(5), se.Tokens)
	assert.Equal(t, "ok", string(se.StepStatus()))

	re := items[3].Event.(RunEnd)
	require.NotNil(t, re.Totals.Tokens)
	assert.Nil(t, re.Totals.CostUSD)
	assert.Equal(t, uuid.MustParse(runID), re.Run())
}

func TestDecode_BadEnvelope(t *testing.T) {
	_, err := Decode(strings.NewReader(`not json`))
	assert.Error(t, err)
	_, err = Decode(strings.NewReader(`{"other":[]}`))
	assert.Error(t, err)
}

func TestDecode_EmptyBatch(t *testing.T) {
	items, err := Decode(strings.NewReader(`{"events":[]}`))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDecode_InvalidEntriesAreIsolated(t *testing.T) {
	items, err := Decode(strings.NewReader(`{"events":[
		{"type":"run.start","run_id":"` + runID + `","ts":"2026-01-01T00:00:00Z","project_id":"p"},
		{"type":"nope"},
		{"type":"run.start","run_id":"` + runID + `","ts":"2026-01-01T00:00:00Z"},
		{"type":"step.end","run_id":"` + runID + `","step_id":"` + stepID + `","ts":"2026-01-01T00:00:00Z","tokens":-1},
		{"type":"step.end","run_id":"` + runID + `","step_id":"` + stepID + `","ts":"2026-01-01T00:00:00Z","status":"weird"},
		{"type":"step.start","run_id":"` + runID + `","step_id":"` + stepID + `","ts":"2026-01-01T00:00:00Z","index":-2,"name":"n","tool":"t"},
		{"type":"run.end","run_id":"not-a-uuid","ts":"2026-01-01T00:00:00Z"},
		{"type":"run.end","run_id":"` + runID + `"},
		42
	]}`))
	require.NoError(t, err)
	require.Len(t, items, 9)
	assert.NoError(t, items[0].Err)
	for _, it := range items[1:] {
		var ie *InvalidEventError
		require.True(t, errors.As(it.Err, &ie), "item %d: %v", it.Index, it.Err)
		assert.Equal(t, it.Index, ie.Index)
		assert.Nil(t, it.Event)
	}
	assert.Equal(t, TypeRunStart, items[2].Type)
}

func TestMarshalRoundTrip(t *testing.T) {
	cost := 0.5
	ev := RunEnd{RunID: uuid.MustParse(runID), TS: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Totals: Totals{CostUSD: &cost}}
	b, err := Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"run.end"`)

	items := DecodeRaw([]json.RawMessage{b})
	require.NoError(t, items[0].Err)
	assert.Equal(t, ev, items[0].Event)
}
