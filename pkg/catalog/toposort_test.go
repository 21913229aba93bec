package catalog

import (
	"errors"
	"testing"

	"github.com/colonyhq/colony/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(name string, deps ...string) models.WorkflowStep {
	return models.WorkflowStep{
		Name:         name,
		Agent:        "worker",
		Instructions: "do " + name,
		DependsOn:    deps,
	}
}

func TestTopologicalOrderLevels(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "pipeline",
		Steps: []models.WorkflowStep{
			step("fetch"),
			step("analyze", "fetch"),
			step("enrich", "fetch"),
			step("report", "analyze", "enrich"),
		},
	}

	levels, err := TopologicalOrder(def)
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"fetch"},
		{"analyze", "enrich"},
		{"report"},
	}, levels)
}

func TestTopologicalOrderDeclarationOrderTieBreak(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "independent",
		Steps: []models.WorkflowStep{
			step("c"),
			step("a"),
			step("b"),
		},
	}

	for i := 0; i < 50; i++ {
		levels, err := TopologicalOrder(def)
		require.NoError(t, err)
		require.Equal(t, [][]string{{"c", "a", "b"}}, levels)
	}
}

func TestTopologicalOrderCycle(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "cyclic",
		Steps: []models.WorkflowStep{
			step("a", "c"),
			step("b", "a"),
			step("c", "b"),
		},
	}

	_, err := TopologicalOrder(def)
	require.Error(t, err)
	assert.True(t, IsCycleError(err))

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Len(t, cycleErr.Steps, 4) // a -> c -> b -> a
}

func TestTopologicalOrderSelfDependency(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name: "selfish",
		Steps: []models.WorkflowStep{
			step("loop", "loop"),
		},
	}

	_, err := TopologicalOrder(def)
	require.Error(t, err)

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, []string{"loop", "loop"}, cycleErr.Steps)
}

func TestTopologicalOrderPartialCycle(t *testing.T) {
	// The acyclic prefix still resolves; the cycle is reported on the rest.
	def := &models.WorkflowDefinition{
		Name: "partial",
		Steps: []models.WorkflowStep{
			step("ok"),
			step("x", "ok", "y"),
			step("y", "x"),
		},
	}

	_, err := TopologicalOrder(def)
	require.Error(t, err)

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Len(t, cycleErr.Steps, 3)
}
