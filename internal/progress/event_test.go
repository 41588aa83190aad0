package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name    string
		evt     Event
		wantErr string
	}{
		{name: "run start", evt: Event{RunID: "r", TS: now, Stage: StageRunStart}},
		{name: "fetch done", evt: fetchEvent("r", "example.com")},
		{name: "fetch error", evt: Event{RunID: "r", TS: now, Stage: StageFetchError, Site: "example.com"}},
		{name: "missing run", evt: Event{TS: now, Stage: StageRunStart}, wantErr: "run id"},
		{name: "missing ts", evt: Event{RunID: "r", Stage: StageRunStart}, wantErr: "timestamp"},
		{name: "unknown stage", evt: Event{RunID: "r", TS: now, Stage: "NOPE"}, wantErr: "unknown stage"},
		{name: "scheduled without site", evt: Event{RunID: "r", TS: now, Stage: StageRequestScheduled}, wantErr: "requires site"},
		{name: "fetch without class", evt: Event{RunID: "r", TS: now, Stage: StageFetchDone, Site: "a"}, wantErr: "status class"},
		{name: "negative duration", evt: Event{RunID: "r", TS: now, Stage: StageRunDone, Dur: -1}, wantErr: "duration"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, Status2xx, ClassifyStatus(204))
	require.Equal(t, Status3xx, ClassifyStatus(301))
	require.Equal(t, Status4xx, ClassifyStatus(404))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
	require.Equal(t, StatusOther, ClassifyStatus(700))
}

func TestStageIsRunStage(t *testing.T) {
	t.Parallel()

	require.True(t, StageRunStart.IsRunStage())
	require.True(t, StageRunError.IsRunStage())
	require.False(t, StageFetchDone.IsRunStage())
}
