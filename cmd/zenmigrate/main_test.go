package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pbinitiative/zenmigrate/internal/config"
	"github.com/pbinitiative/zenmigrate/pkg/storage/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCases = "../../pkg/bpmn/test-cases/"

func writeFile(t *testing.T, name string, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestValidateAcceptsValidPlan(t *testing.T) {
	// given
	cmd := validateCmd{
		Source: testCases + "boundary_timer.yaml",
		Target: testCases + "boundary_timer_longer.yaml",
		Plan: writeFile(t, "plan.yaml", `
mapEqualActivities: true
updateEventTriggers: true
`),
		Output: "text",
	}
	var out bytes.Buffer

	// when
	err := cmd.validate(&out)

	// then
	require.NoError(t, err)
	assert.Contains(t, out.String(), "is valid")
	assert.Contains(t, out.String(), "sourceActivityId='boundary', targetActivityId='boundary', updateEventTrigger=true")
}

func TestValidateReportsInvalidPlan(t *testing.T) {
	// given
	cmd := validateCmd{
		Source: testCases + "one_task.yaml",
		Target: testCases + "one_task.yaml",
		Plan: writeFile(t, "plan.yaml", `
instructions:
  - sourceActivityId: userTask
    targetActivityId: doesNotExist
`),
		Output: "text",
	}
	var out bytes.Buffer

	// when
	err := cmd.validate(&out)

	// then
	assert.ErrorIs(t, err, errPlanInvalid)
	assert.Contains(t, out.String(), "is not valid")
	assert.Contains(t, out.String(), "doesNotExist")
}

func TestValidateUsesCompatibilityFile(t *testing.T) {
	// given
	plan := writeFile(t, "plan.yaml", `
instructions:
  - sourceActivityId: userTask#multiInstanceBody
    targetActivityId: userTask#multiInstanceBody
  - sourceActivityId: userTask
    targetActivityId: userTask
`)
	strict := validateCmd{Source: testCases + "parallel_mi_task.yaml", Target: testCases + "sequential_mi_task.yaml", Plan: plan, Output: "json"}
	relaxed := strict
	relaxed.Compatibility = writeFile(t, "compatibility.yaml", "parallelMultiInstanceBody: [sequentialMultiInstanceBody]\n")

	// when
	strictErr := strict.validate(&bytes.Buffer{})
	relaxedErr := relaxed.validate(&bytes.Buffer{})

	// then
	assert.ErrorIs(t, strictErr, errPlanInvalid)
	assert.NoError(t, relaxedErr)
}

type countingCleaner struct {
	calls atomic.Int32
	ttl   atomic.Int64
}

func (c *countingCleaner) CleanupHistoricBatches(ctx context.Context, ttl time.Duration) (int, error) {
	c.calls.Add(1)
	c.ttl.Store(int64(ttl))
	return 0, nil
}

func TestHistoryCleanupRunsOnSchedule(t *testing.T) {
	// given
	cleaner := &countingCleaner{}
	cleanup, err := newHistoryCleanup(cleaner, "@every 1s", time.Hour)
	require.NoError(t, err)

	// when
	cleanup.Start()
	defer cleanup.Stop()

	// then
	assert.Eventually(t, func() bool { return cleaner.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, int64(time.Hour), cleaner.ttl.Load())
}

func TestHistoryCleanupRejectsInvalidSchedule(t *testing.T) {
	// when
	_, err := newHistoryCleanup(&countingCleaner{}, "not a schedule", time.Hour)

	// then
	assert.Error(t, err)
}

func TestNewEngineAppliesConfiguration(t *testing.T) {
	// given
	conf, err := config.Load(writeFile(t, "conf.yaml", `
name: configured
migration:
  compatibility:
    parallelMultiInstanceBody: [sequentialMultiInstanceBody]
`))
	require.NoError(t, err)

	// when
	engine, err := newEngine(conf, inmemory.NewStorage())

	// then
	require.NoError(t, err)
	assert.Equal(t, "configured", engine.Name())
}

func TestNewEngineRejectsUnknownBehavior(t *testing.T) {
	// given
	conf, err := config.Load(writeFile(t, "conf.yaml", `
migration:
  compatibility:
    userTask: [noSuchBehavior]
`))
	require.NoError(t, err)

	// when
	_, err = newEngine(conf, inmemory.NewStorage())

	// then
	assert.ErrorContains(t, err, "noSuchBehavior")
}
