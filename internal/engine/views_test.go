package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadViews(t *testing.T) {
	eng, ctx := newTestEngine(t)

	_, err := eng.Run(ctx, "C1", "")
	assert.Equal(t, CodeNotFound, CodeOf(err), "no run before orchestration")

	_, err = eng.Orchestrate(ctx, OrchestrateOptions{CommitmentID: "C1"})
	require.NoError(t, err)

	ds, err := eng.Deliverables(ctx, "C1", "T1")
	require.NoError(t, err)
	assert.Len(t, ds, 4)

	deps, err := eng.Dependencies(ctx, "C1", "T1")
	require.NoError(t, err)
	assert.Len(t, deps, 3)

	evs, err := eng.Timeline(ctx, "C1", "T1", 2)
	require.NoError(t, err)
	assert.Len(t, evs, 2)

	run, err := eng.Run(ctx, "C1", "T1")
	require.NoError(t, err)
	assert.Equal(t, "completed", run.Status)

	_, err = eng.Deliverables(ctx, "C1", "T2")
	assert.Equal(t, CodeNotFound, CodeOf(err))
}
