package dag

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ToDOT renders the graph as Graphviz DOT, node fill color keyed to
// State, grounded on the kind of diagnostics dump dag_engine.go never
// had but services/orchestrator exposes over its debug HTTP routes for
// WorkflowExecution.
func (g *Graph) ToDOT() string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var b strings.Builder
	b.WriteString("digraph dag {\n")
	b.WriteString("  rankdir=LR;\n")

	ids := make([]int64, 0, len(g.jobs))
	for id := range g.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		j := g.jobs[id]
		fmt.Fprintf(&b, "  %d [label=%q, style=filled, fillcolor=%q];\n",
			id, fmt.Sprintf("%s\\n#%d", j.Name, id), dotColor(j.State()))
	}
	for _, id := range ids {
		j := g.jobs[id]
		for _, dep := range j.dependsOn {
			fmt.Fprintf(&b, "  %d -> %d;\n", dep, id)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func dotColor(s State) string {
	switch s {
	case StateCompleted:
		return "palegreen"
	case StateFailed:
		return "indianred1"
	case StateRunning:
		return "lightskyblue"
	case StateSkipped, StateCancelled:
		return "gray85"
	case StateReady:
		return "khaki1"
	default:
		return "white"
	}
}

// jobSnapshot is the JSON-facing view of a DagJob.
type jobSnapshot struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	State      string   `json:"state"`
	DependsOn  []int64  `json:"depends_on,omitempty"`
	Dependents []int64  `json:"dependents,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// ToJSON renders every job in the graph as a structured snapshot,
// suitable for a debug endpoint or for feeding an Archiver.
func (g *Graph) ToJSON() ([]byte, error) {
	g.mu.RLock()
	snapshots := make([]jobSnapshot, 0, len(g.jobs))
	for _, j := range g.jobs {
		j.mu.Lock()
		snap := jobSnapshot{
			ID:         j.ID,
			Name:       j.Name,
			State:      j.state.String(),
			DependsOn:  append([]int64(nil), j.dependsOn...),
			Dependents: append([]int64(nil), j.dependents...),
		}
		if j.err != nil {
			snap.Error = j.err.Error()
		}
		j.mu.Unlock()
		snapshots = append(snapshots, snap)
	}
	g.mu.RUnlock()

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].ID < snapshots[j].ID })
	return json.MarshalIndent(snapshots, "", "  ")
}
