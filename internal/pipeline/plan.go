package pipeline

import "fmt"

// Action selects how a Node's package file is obtained.
type Action int

const (
	// ActionDownload fetches Node.URL via C5.
	ActionDownload Action = iota
	// ActionLocal reads Node.LocalPath directly, skipping the download stage.
	ActionLocal
)

// PackageID identifies one node within an ExecutionPlan.
type PackageID string

// Node describes one package to resolve: either downloaded or read from
// a local path, plus the packages it depends on (must reach the staging
// stage before this node's own staging stage may start).
type Node struct {
	Action       Action
	URL          string
	LocalPath    string
	ExpectedHash string // hex digest from the resolver; "" skips the check
	DependsOn    []PackageID
}

// ExecutionPlan is a topological drainer over a package dependency DAG:
// ReadyPackages returns newly-unblocked nodes, and Complete reports one
// node finished, returning the nodes it was the last blocker for.
type ExecutionPlan struct {
	nodes      map[PackageID]Node
	indegree   map[PackageID]int
	dependents map[PackageID][]PackageID
	emitted    map[PackageID]bool
}

// NewExecutionPlan validates nodes (no missing dependency, no cycle) and
// returns a drainable plan.
func NewExecutionPlan(nodes map[PackageID]Node) (*ExecutionPlan, error) {
	indegree := make(map[PackageID]int, len(nodes))
	dependents := make(map[PackageID][]PackageID, len(nodes))
	for id := range nodes {
		indegree[id] = 0
	}
	for id, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, ok := nodes[dep]; !ok {
				return nil, fmt.Errorf("pipeline: node %q depends on unknown package %q", id, dep)
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}
	plan := &ExecutionPlan{
		nodes:      nodes,
		indegree:   indegree,
		dependents: dependents,
		emitted:    make(map[PackageID]bool, len(nodes)),
	}
	if err := plan.checkAcyclic(); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *ExecutionPlan) checkAcyclic() error {
	remaining := make(map[PackageID]int, len(p.indegree))
	for id, d := range p.indegree {
		remaining[id] = d
	}
	queue := make([]PackageID, 0, len(remaining))
	for id, d := range remaining {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range p.dependents[id] {
			remaining[dep]--
			if remaining[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(p.nodes) {
		return fmt.Errorf("pipeline: dependency cycle detected among %d packages", len(p.nodes)-visited)
	}
	return nil
}

// Node returns the node for id.
func (p *ExecutionPlan) Node(id PackageID) (Node, bool) {
	n, ok := p.nodes[id]
	return n, ok
}

// Len returns the total number of nodes in the plan.
func (p *ExecutionPlan) Len() int { return len(p.nodes) }

// ReadyPackages returns every node with no unmet dependencies that has
// not yet been returned by a prior call.
func (p *ExecutionPlan) ReadyPackages() []PackageID {
	var ready []PackageID
	for id, d := range p.indegree {
		if d == 0 && !p.emitted[id] {
			p.emitted[id] = true
			ready = append(ready, id)
		}
	}
	return ready
}

// Complete marks id as finished and returns any dependents newly
// unblocked as a result.
func (p *ExecutionPlan) Complete(id PackageID) []PackageID {
	var unblocked []PackageID
	for _, dep := range p.dependents[id] {
		p.indegree[dep]--
		if p.indegree[dep] == 0 {
			unblocked = append(unblocked, dep)
		}
	}
	return unblocked
}
