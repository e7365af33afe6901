package job_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/coordinator/job"
)

func linearCatalog() job.Catalog {
	return job.Catalog{
		{Name: "in", Type: job.TaskTypeQueue, Direction: job.DirectionInput, QueueMedium: "broker", QueueName: "in-queue"},
		{Name: "out", Type: job.TaskTypeQueue, Direction: job.DirectionOutput, QueueMedium: "broker", QueueName: "out-queue"},
	}
}

func linearWorkflow() job.Workflow {
	return job.Workflow{
		"in":  {"inc": struct{}{}},
		"inc": {"out": struct{}{}},
	}
}

func TestPlan_ThreeNodeChain(t *testing.T) {
	t.Parallel()

	tasks, err := job.Plan(linearCatalog(), linearWorkflow())
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	byName := make(map[string]job.Task, len(tasks))
	for _, tk := range tasks {
		byName[tk.Name] = tk
	}

	require.Contains(t, byName, "in")
	require.Contains(t, byName, "inc")
	require.Contains(t, byName, "out")

	require.Equal(t, []string{"in-queue"}, byName["in"].IngressQueues)
	require.Equal(t, []string{"out-queue"}, byName["out"].EgressQueues)

	require.Equal(t, 0, byName["in"].Phase)
	require.Equal(t, 1, byName["inc"].Phase)
	require.Equal(t, 2, byName["out"].Phase)

	// a.egress ∩ b.ingress != ∅ for every edge.
	require.NotEmpty(t, intersect(byName["in"].EgressQueues, byName["inc"].IngressQueues))
	require.NotEmpty(t, intersect(byName["inc"].EgressQueues, byName["out"].IngressQueues))
}

func TestPlan_RejectsCycle(t *testing.T) {
	t.Parallel()

	wf := job.Workflow{
		"a": {"b": struct{}{}},
		"b": {"a": struct{}{}},
	}

	_, err := job.Plan(job.Catalog{}, wf)
	require.ErrorIs(t, err, job.ErrInvalidWorkflow)
}

func TestPlan_RejectsEmptyWorkflow(t *testing.T) {
	t.Parallel()

	_, err := job.Plan(job.Catalog{}, job.Workflow{})
	require.ErrorIs(t, err, job.ErrInvalidWorkflow)
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	var out []string
	for _, v := range b {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	return out
}
