package workflow

import (
	"fmt"
	"sort"
)

// DAG is the dependency graph of one workflow instance. Tasks are integer
// indices into a task vector; edges run task -> dependent. The remaining
// predecessor counts make it stateful: MarkDone consumes completions, so a
// DAG belongs to exactly one run.
type DAG struct {
	ids        []string
	index      map[string]int
	dependents [][]int
	// remaining predecessors per task; decremented by MarkDone.
	remaining []int
	order     []int
}

// NewDAG builds and validates the dependency graph for a workflow
// definition. It fails with InvalidWorkflowError when the definition is
// empty, references an unknown dependency, or contains a cycle.
func NewDAG(w *Workflow) (*DAG, error) {
	if len(w.Tasks) == 0 {
		return nil, &InvalidWorkflowError{WorkflowID: w.ID, Reason: ReasonEmpty, Detail: "workflow has no tasks"}
	}

	ids := w.TaskIDs()
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	dependents := make([][]int, len(ids))
	remaining := make([]int, len(ids))
	for i, id := range ids {
		task := w.Tasks[id]
		remaining[i] = len(task.Depends)
		for _, dep := range task.Depends {
			j, ok := index[dep]
			if !ok {
				return nil, &InvalidWorkflowError{
					WorkflowID: w.ID,
					Reason:     ReasonMissingDep,
					Detail:     fmt.Sprintf("task %s depends on unknown task %s", id, dep),
				}
			}
			dependents[j] = append(dependents[j], i)
		}
	}

	d := &DAG{
		ids:        ids,
		index:      index,
		dependents: dependents,
		remaining:  remaining,
	}

	order, err := d.topologicalOrder(w.ID)
	if err != nil {
		return nil, err
	}
	d.order = order
	return d, nil
}

// topologicalOrder runs Kahn's algorithm over a scratch copy of the
// predecessor counts. If it cannot consume every node the graph is cyclic.
func (d *DAG) topologicalOrder(workflowID string) ([]int, error) {
	counts := make([]int, len(d.remaining))
	copy(counts, d.remaining)

	var frontier []int
	for i, c := range counts {
		if c == 0 {
			frontier = append(frontier, i)
		}
	}

	order := make([]int, 0, len(d.ids))
	for len(frontier) > 0 {
		n := frontier[0]
		frontier = frontier[1:]
		order = append(order, n)
		for _, dep := range d.dependents[n] {
			counts[dep]--
			if counts[dep] == 0 {
				frontier = append(frontier, dep)
			}
		}
	}

	if len(order) != len(d.ids) {
		var stuck []string
		for i, c := range counts {
			if c > 0 {
				stuck = append(stuck, d.ids[i])
			}
		}
		sort.Strings(stuck)
		return nil, &InvalidWorkflowError{
			WorkflowID: workflowID,
			Reason:     ReasonCycle,
			Detail:     fmt.Sprintf("cycle involving tasks %v", stuck),
		}
	}
	return order, nil
}

// TopologicalOrder returns the task ids in a valid execution order.
func (d *DAG) TopologicalOrder() []string {
	out := make([]string, len(d.order))
	for i, n := range d.order {
		out[i] = d.ids[n]
	}
	return out
}

// Size returns the number of tasks in the graph.
func (d *DAG) Size() int {
	return len(d.ids)
}

// InitialReady returns the tasks with no predecessors, in deterministic
// order. These seed the ready queue.
func (d *DAG) InitialReady() []string {
	var out []string
	for i, c := range d.remaining {
		if c == 0 {
			out = append(out, d.ids[i])
		}
	}
	return out
}

// MarkDone records the completion of taskID and returns the dependents whose
// predecessors are all now complete. Only call it for tasks that ended
// COMPLETED; failed and skipped tasks never unblock their dependents.
func (d *DAG) MarkDone(taskID string) []string {
	n, ok := d.index[taskID]
	if !ok {
		return nil
	}
	var unblocked []string
	for _, dep := range d.dependents[n] {
		d.remaining[dep]--
		if d.remaining[dep] == 0 {
			unblocked = append(unblocked, d.ids[dep])
		}
	}
	return unblocked
}

// Dependents returns the direct dependents of taskID.
func (d *DAG) Dependents(taskID string) []string {
	n, ok := d.index[taskID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(d.dependents[n]))
	for _, dep := range d.dependents[n] {
		out = append(out, d.ids[dep])
	}
	return out
}

// TransitiveDependents returns every task reachable from taskID in the
// dependents graph. On failure this is the set to skip.
func (d *DAG) TransitiveDependents(taskID string) []string {
	start, ok := d.index[taskID]
	if !ok {
		return nil
	}
	seen := make([]bool, len(d.ids))
	frontier := []int{start}
	var out []string
	for len(frontier) > 0 {
		n := frontier[0]
		frontier = frontier[1:]
		for _, dep := range d.dependents[n] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, d.ids[dep])
			frontier = append(frontier, dep)
		}
	}
	sort.Strings(out)
	return out
}
