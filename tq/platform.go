package tq

import "sync"

// PlatformDAG holds the configured partial order over platform identifiers.
// An edge [ancestor, descendant] states that payloads built for the ancestor
// run on the descendant, e.g. ["slc6", "centos7"]. The order is transitive;
// unrelated families never match across.
//
// The DAG is consulted on every match and can be swapped at runtime when the
// configuration file changes, hence the lock.
type PlatformDAG struct {
	mu sync.RWMutex
	// ancestors[p] = set of platforms q with q < p (payloads for q run on p)
	ancestors map[string]map[string]struct{}
}

// NewPlatformDAG builds the DAG from [ancestor, descendant] edges.
// Malformed edges (wrong arity, empty names) are ignored; config validation
// rejects them before they get here.
func NewPlatformDAG(edges [][]string) *PlatformDAG {
	d := &PlatformDAG{}
	d.Reload(edges)
	return d
}

// Reload replaces the DAG content. Safe for concurrent use with Compatible.
func (d *PlatformDAG) Reload(edges [][]string) {
	parents := make(map[string][]string) // descendant -> direct ancestors
	for _, edge := range edges {
		if len(edge) != 2 || edge[0] == "" || edge[1] == "" {
			continue
		}
		ancestor, descendant := edge[0], edge[1]
		parents[descendant] = append(parents[descendant], ancestor)
	}

	// Transitive closure, per platform
	ancestors := make(map[string]map[string]struct{}, len(parents))
	for p := range parents {
		closure := make(map[string]struct{})
		stack := append([]string(nil), parents[p]...)
		for len(stack) > 0 {
			q := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if _, seen := closure[q]; seen {
				continue
			}
			closure[q] = struct{}{}
			stack = append(stack, parents[q]...)
		}
		ancestors[p] = closure
	}

	d.mu.Lock()
	d.ancestors = ancestors
	d.mu.Unlock()
}

// Compatible returns every platform a resource offering p can run payloads
// for: p itself plus all its ancestors under the configured order. Unknown
// platforms are compatible only with themselves.
func (d *PlatformDAG) Compatible(p string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := []string{p}
	for q := range d.ancestors[p] {
		out = append(out, q)
	}
	return out
}

// CompatibleAll expands a list of offered platforms into the union of their
// compatible sets, deduplicated.
func (d *PlatformDAG) CompatibleAll(offered []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range offered {
		for _, q := range d.Compatible(p) {
			if _, dup := seen[q]; dup {
				continue
			}
			seen[q] = struct{}{}
			out = append(out, q)
		}
	}
	return out
}
