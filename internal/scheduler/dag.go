package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"

	"github.com/aristath/swarm/internal/agent"
)

// Counts tallies nodes by status.
type Counts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Ready      int `json:"ready"`
	Dispatched int `json:"dispatched"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Graph is a validated directed acyclic graph of task nodes.
// All methods are safe for concurrent use; the coordinator is expected to
// be the only writer.
type Graph struct {
	mu         sync.RWMutex
	nodes      map[string]*Node    // All nodes indexed by ID
	order      []string            // Insertion order
	dependents map[string][]string // Maps nodeID -> nodes that depend on it
	cfg        MergeConfig
	readySeq   int
	doneSeq    int
	now        func() time.Time
}

// NewGraph validates nodes and builds a graph. Nodes start Pending
// regardless of the status they carry. known, when non-nil, is the set of
// capabilities the pool can serve; a node requiring anything else is
// rejected with ErrUnknownCapability. Nodes without an aggregation kind get
// cfg.DefaultKind.
func NewGraph(nodes []Node, cfg MergeConfig, known agent.CapabilitySet) (*Graph, error) {
	if cfg.DefaultKind == "" {
		cfg.DefaultKind = AggConcatenate
	}
	if _, err := ParseAggregationKind(string(cfg.DefaultKind)); err != nil {
		return nil, err
	}
	if cfg.Policy == "" {
		cfg.Policy = ContinueIndependent
	}
	if _, err := ParseFailurePolicy(string(cfg.Policy)); err != nil {
		return nil, err
	}

	g := &Graph{
		nodes:      make(map[string]*Node, len(nodes)),
		dependents: make(map[string][]string),
		cfg:        cfg,
		now:        time.Now,
	}

	for i := range nodes {
		n := cloneNode(&nodes[i])
		if n.ID == "" {
			return nil, fmt.Errorf("node %d has an empty id", i)
		}
		if _, exists := g.nodes[n.ID]; exists {
			return nil, fmt.Errorf("node with ID %q already exists", n.ID)
		}
		if n.RequiredCapability == "" {
			return nil, fmt.Errorf("node %q has no required capability", n.ID)
		}
		if known != nil && !known.Has(n.RequiredCapability) {
			return nil, fmt.Errorf("%w: node %q requires %q", ErrUnknownCapability, n.ID, n.RequiredCapability)
		}
		if n.AggregationKind == "" {
			n.AggregationKind = cfg.DefaultKind
		}
		if _, err := ParseAggregationKind(string(n.AggregationKind)); err != nil {
			return nil, fmt.Errorf("node %q: %w", n.ID, err)
		}

		n.Status = StatusPending
		n.Result = nil
		n.Error = ""
		n.AssignedWorkerID = ""
		n.ReadySeq, n.CompletionSeq = 0, 0
		n.DispatchedAt, n.FinishedAt = time.Time{}, time.Time{}

		g.nodes[n.ID] = &n
		g.order = append(g.order, n.ID)
	}

	for _, id := range g.order {
		for _, depID := range g.nodes[id].Dependencies {
			if _, exists := g.nodes[depID]; !exists {
				return nil, fmt.Errorf("%w: node %q depends on non-existent node %q", ErrUnknownDependency, id, depID)
			}
			g.dependents[depID] = append(g.dependents[depID], id)
		}
	}

	if cfg.SynthesisTarget != "" {
		if _, exists := g.nodes[cfg.SynthesisTarget]; !exists {
			return nil, fmt.Errorf("synthesis target %q is not a node", cfg.SynthesisTarget)
		}
	}

	if _, err := g.topoOrder(); err != nil {
		return nil, err
	}
	return g, nil
}

// topoOrder runs a topological sort using gammazero/toposort.
// Caller must hold at least a read lock (or own g exclusively).
func (g *Graph) topoOrder() ([]string, error) {
	var edges []toposort.Edge
	for _, id := range g.order {
		n := g.nodes[id]
		if len(n.Dependencies) == 0 {
			// Root node: edge from nil ensures it is included.
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range n.Dependencies {
			if depID == id {
				return nil, fmt.Errorf("%w: node %q depends on itself", ErrCyclicDependency, id)
			}
			// Edge (depID, id) means depID must come before id
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCyclicDependency, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	// A cycle with no root leaves its members out of the sort entirely.
	if len(order) != len(g.nodes) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, id := range g.order {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("%w: unreachable from any root: %s", ErrCyclicDependency, strings.Join(missing, ", "))
	}
	return order, nil
}

// Config returns the graph's merge configuration.
func (g *Graph) Config() MergeConfig {
	return g.cfg
}

// ReadyNodes promotes every Pending node whose dependencies are all
// Completed to Ready and returns the newly promoted nodes.
func (g *Graph) ReadyNodes() []Node {
	g.mu.Lock()
	defer g.mu.Unlock()

	var promoted []Node
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Status != StatusPending || !g.depsCompleted(n) {
			continue
		}
		g.readySeq++
		n.Status = StatusReady
		n.ReadySeq = g.readySeq
		promoted = append(promoted, cloneNode(n))
	}
	return promoted
}

func (g *Graph) depsCompleted(n *Node) bool {
	for _, depID := range n.Dependencies {
		if g.nodes[depID].Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Queue returns every Ready node in dispatch order. When any node in the
// graph declares a priority, higher priority goes first; ties and graphs
// without priorities fall back to readiness order.
func (g *Graph) Queue() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	prioritized := false
	var ready []Node
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Priority != 0 {
			prioritized = true
		}
		if n.Status == StatusReady {
			ready = append(ready, cloneNode(n))
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if prioritized && ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ReadySeq < ready[j].ReadySeq
	})
	return ready
}

// MarkDispatched moves a Ready node to Dispatched on workerID.
func (g *Graph) MarkDispatched(id, workerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, err := g.node(id)
	if err != nil {
		return err
	}
	if n.Status != StatusReady {
		return fmt.Errorf("%w: cannot dispatch %s node %q", ErrInvalidStatus, n.Status, id)
	}
	n.Status = StatusDispatched
	n.AssignedWorkerID = workerID
	n.DispatchedAt = g.now()
	return nil
}

// MarkCompleted stores result on a Dispatched node.
func (g *Graph) MarkCompleted(id string, result any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, err := g.node(id)
	if err != nil {
		return err
	}
	if n.Status != StatusDispatched {
		return fmt.Errorf("%w: cannot complete %s node %q", ErrInvalidStatus, n.Status, id)
	}
	g.doneSeq++
	n.Status = StatusCompleted
	n.Result = CloneValue(result)
	n.AssignedWorkerID = ""
	n.CompletionSeq = g.doneSeq
	n.FinishedAt = g.now()
	return nil
}

// MarkFailed fails a Dispatched or Ready node and skips every transitive
// dependent that has not started. It returns the ids of skipped nodes.
func (g *Graph) MarkFailed(id string, cause error) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, err := g.node(id)
	if err != nil {
		return nil, err
	}
	if n.Status != StatusDispatched && n.Status != StatusReady {
		return nil, fmt.Errorf("%w: cannot fail %s node %q", ErrInvalidStatus, n.Status, id)
	}
	n.Status = StatusFailed
	n.Error = "unknown failure"
	if cause != nil {
		n.Error = cause.Error()
	}
	n.AssignedWorkerID = ""
	n.FinishedAt = g.now()

	return g.skipDescendants(id), nil
}

// skipDescendants marks every not-yet-started descendant of id Skipped.
// Descendants cannot be Dispatched or Completed while an ancestor had not
// completed, so only Pending and Ready nodes are touched.
func (g *Graph) skipDescendants(id string) []string {
	var skipped []string
	queue := append([]string(nil), g.dependents[id]...)
	seen := make(map[string]bool)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true

		n := g.nodes[cur]
		if n.Status == StatusPending || n.Status == StatusReady {
			n.Status = StatusSkipped
			n.Error = fmt.Sprintf("dependency %s failed", id)
			n.FinishedAt = g.now()
			skipped = append(skipped, cur)
		}
		queue = append(queue, g.dependents[cur]...)
	}
	return skipped
}

// SkipRemaining marks every Pending and Ready node Skipped with reason.
func (g *Graph) SkipRemaining(reason string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var skipped []string
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Status == StatusPending || n.Status == StatusReady {
			n.Status = StatusSkipped
			n.Error = reason
			n.FinishedAt = g.now()
			skipped = append(skipped, id)
		}
	}
	return skipped
}

// IsComplete reports whether every node is Completed, Failed or Skipped.
func (g *Graph) IsComplete() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, n := range g.nodes {
		if !n.Status.Terminal() {
			return false
		}
	}
	return true
}

// Get returns a copy of node id.
func (g *Graph) Get(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, exists := g.nodes[id]
	if !exists {
		return Node{}, false
	}
	return cloneNode(n), true
}

// Nodes returns copies of all nodes in insertion order.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, cloneNode(g.nodes[id]))
	}
	return out
}

// Dependents returns the ids of nodes that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[id]...)
}

// Order returns node ids in a topological order.
func (g *Graph) Order() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.topoOrder()
}

// Counts tallies nodes by status.
func (g *Graph) Counts() Counts {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c := Counts{Total: len(g.nodes)}
	for _, n := range g.nodes {
		switch n.Status {
		case StatusPending:
			c.Pending++
		case StatusReady:
			c.Ready++
		case StatusDispatched:
			c.Dispatched++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusSkipped:
			c.Skipped++
		}
	}
	return c
}

func (g *Graph) node(id string) (*Node, error) {
	n, exists := g.nodes[id]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	return n, nil
}
