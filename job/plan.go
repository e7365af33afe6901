package job

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-set/v3"
)

// Plan computes the concrete task set for a catalog + workflow: each
// workflow edge a->b gets a fresh internal queue name appended to both
// a's egress queues and b's ingress queues (so the two
// endpoints can be wired to the same transport); input tasks take their
// ingress queue from the catalog, output tasks take their egress queue
// from the catalog; each task's phase is its distance from the DAG's
// roots (inputs, phase 0).
func Plan(catalog Catalog, workflow Workflow) ([]Task, error) {
	nodes, err := nodeSet(workflow)
	if err != nil {
		return nil, err
	}
	if nodes.Empty() {
		return nil, fmt.Errorf("%w: workflow has no nodes", ErrInvalidWorkflow)
	}

	byName := make(map[string]TaskDescriptor, len(catalog))
	for _, d := range catalog {
		byName[d.Name] = d
	}

	inEdges := make(map[string]*set.Set[string], nodes.Size())
	for _, n := range nodes.Slice() {
		inEdges[n] = set.New[string](0)
	}
	for src, dsts := range workflow {
		for dst := range dsts {
			inEdges[dst].Insert(src)
		}
	}

	phases, order, err := topoPhases(nodes, workflow, inEdges)
	if err != nil {
		return nil, err
	}

	ingress := make(map[string]*set.Set[string], nodes.Size())
	egress := make(map[string]*set.Set[string], nodes.Size())
	for _, n := range nodes.Slice() {
		ingress[n] = set.New[string](0)
		egress[n] = set.New[string](0)
	}

	// Boundary queues come from the catalog.
	for _, n := range nodes.Slice() {
		d, ok := byName[n]
		if !ok || d.Type != TaskTypeQueue {
			continue
		}
		switch d.Direction {
		case DirectionInput:
			if d.QueueName != "" {
				ingress[n].Insert(d.QueueName)
			}
		case DirectionOutput:
			if d.QueueName != "" {
				egress[n].Insert(d.QueueName)
			}
		}
	}

	// Internal queues: one fresh name per edge, shared by both endpoints.
	for src, dsts := range workflow {
		for dst := range dsts {
			q := fmt.Sprintf("internal-%s", uuid.NewString())
			egress[src].Insert(q)
			ingress[dst].Insert(q)
		}
	}

	tasks := make([]Task, 0, len(order))
	for _, n := range order {
		tasks = append(tasks, Task{
			ID:            uuid.NewString(),
			Name:          n,
			Phase:         phases[n],
			IngressQueues: ingress[n].Slice(),
			EgressQueues:  egress[n].Slice(),
		})
	}
	return tasks, nil
}

// nodeSet collects every task name participating in the workflow (both
// sides of every edge).
func nodeSet(workflow Workflow) (*set.Set[string], error) {
	nodes := set.New[string](0)
	for src, dsts := range workflow {
		nodes.Insert(src)
		for dst := range dsts {
			nodes.Insert(dst)
		}
	}
	return nodes, nil
}

// topoPhases computes each node's longest-path distance from a root
// (a node with no incoming edge) via Kahn's algorithm, and returns a
// topological visiting order alongside the phase map. Cycles are
// rejected: the DAG invariant is a precondition enforced here.
func topoPhases(nodes *set.Set[string], workflow Workflow, inEdges map[string]*set.Set[string]) (map[string]int, []string, error) {
	remaining := make(map[string]int, nodes.Size())
	for _, n := range nodes.Slice() {
		remaining[n] = inEdges[n].Size()
	}

	phases := make(map[string]int, nodes.Size())
	var queue []string
	for n, deg := range remaining {
		if deg == 0 {
			queue = append(queue, n)
			phases[n] = 0
		}
	}

	order := make([]string, 0, nodes.Size())
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		for dst := range workflow[n] {
			if phases[dst] < phases[n]+1 {
				phases[dst] = phases[n] + 1
			}
			remaining[dst]--
			if remaining[dst] == 0 {
				queue = append(queue, dst)
			}
		}
	}

	if len(order) != nodes.Size() {
		return nil, nil, fmt.Errorf("%w: workflow contains a cycle", ErrInvalidWorkflow)
	}
	return phases, order, nil
}
