// ABOUTME: Reconstructs canonical message history from duplicate-prone raw session logs
// ABOUTME: Builds parent-link chains, collapses duplicate groups, and orders by timestamp

package reconcile

import (
	"encoding/json"
	"log/slog"
	"sort"
	"time"
)

// Entry kinds. User and assistant entries carry parent-link semantics and
// participate in chain building; everything else (summaries, system notes)
// is kept unconditionally.
const (
	KindUser      = "user"
	KindAssistant = "assistant"
	KindSummary   = "summary"
	KindSystem    = "system"
)

// Entry is one raw log entry from an external session log. ID is the entry's
// own stable identifier; ParentID links it to the preceding entry ("" when
// absent). MessageID is the externally-issued assistant message identifier
// ("" for non-assistant entries); two chains sharing one belong to the same
// duplicate group.
type Entry struct {
	ID        string
	ParentID  string
	Kind      string
	Role      string
	MessageID string
	Timestamp time.Time // zero when the log line carried none
	Content   json.RawMessage
}

// chainBearing reports whether the entry participates in parent-link chains.
func (e *Entry) chainBearing() bool {
	return e.Kind == KindUser || e.Kind == KindAssistant
}

// Reconciler rebuilds the canonical, duplicate-free, time-ordered entry
// sequence from a raw log. Safe for concurrent use; it holds no state
// between calls.
type Reconciler struct {
	logger *slog.Logger
}

// New creates a Reconciler. Pass nil logger for default.
func New(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{logger: logger.With("component", "reconcile")}
}

// Reconcile produces the deduplicated, time-ordered entry list:
//
//  1. Partition entries into chain-bearing and other.
//  2. Build all maximal chains by walking parent links forward from every
//     chain root (an entry whose parent is absent or not in the set),
//     visiting each entry at most once.
//  3. Group chains that transitively share an assistant message identifier
//     (connected components, edges = shared identifier).
//  4. Keep the longest chain of each group, first-encountered on ties.
//  5. Concatenate kept chains with the other entries and sort by timestamp,
//     entries without a timestamp ordered before all others.
//
// The input is never mutated.
func (r *Reconciler) Reconcile(entries []*Entry) []*Entry {
	var chained, other []*Entry
	for _, e := range entries {
		if e.chainBearing() {
			chained = append(chained, e)
		} else {
			other = append(other, e)
		}
	}

	chains := buildChains(chained)
	kept := collapseDuplicates(chains, r.logger)

	result := make([]*Entry, 0, len(entries))
	for _, chain := range kept {
		result = append(result, chain...)
	}
	result = append(result, other...)

	// Stable so same-timestamp entries keep chain order.
	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i].Timestamp, result[j].Timestamp
		if a.IsZero() != b.IsZero() {
			return a.IsZero()
		}
		return a.Before(b)
	})
	return result
}

// buildChains walks parent links forward from every chain root. The arena map
// plus the visited set make the walk safe against cycles and repeated parents
// in malformed logs: each entry joins exactly one chain. When an entry has
// several children, the first (in input order) continues the current chain and
// the rest become roots of new chains.
func buildChains(entries []*Entry) [][]*Entry {
	arena := make(map[string]*Entry, len(entries))
	children := make(map[string][]string, len(entries))
	for _, e := range entries {
		if _, dup := arena[e.ID]; dup {
			continue
		}
		arena[e.ID] = e
	}
	for _, e := range entries {
		if e.ParentID == "" {
			continue
		}
		if _, ok := arena[e.ParentID]; ok && arena[e.ID] == e {
			children[e.ParentID] = append(children[e.ParentID], e.ID)
		}
	}

	var roots []string
	for _, e := range entries {
		if arena[e.ID] != e {
			continue
		}
		if e.ParentID == "" {
			roots = append(roots, e.ID)
			continue
		}
		if _, ok := arena[e.ParentID]; !ok {
			roots = append(roots, e.ID)
		}
	}

	visited := make(map[string]bool, len(entries))
	var chains [][]*Entry
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		start := queue[0]
		queue = queue[1:]
		if visited[start] {
			continue
		}

		var chain []*Entry
		id := start
		for id != "" && !visited[id] {
			visited[id] = true
			chain = append(chain, arena[id])

			kids := children[id]
			id = ""
			for _, kid := range kids {
				if visited[kid] {
					continue
				}
				if id == "" {
					id = kid
				} else {
					queue = append(queue, kid)
				}
			}
		}
		chains = append(chains, chain)
	}

	// Entries stuck in a parent-link cycle have no root; start chains at them
	// in input order so nothing is silently lost.
	for _, e := range entries {
		if arena[e.ID] != e || visited[e.ID] {
			continue
		}
		var chain []*Entry
		id := e.ID
		for id != "" && !visited[id] {
			visited[id] = true
			chain = append(chain, arena[id])
			next := ""
			for _, kid := range children[id] {
				if !visited[kid] {
					next = kid
					break
				}
			}
			id = next
		}
		chains = append(chains, chain)
	}
	return chains
}

// collapseDuplicates groups chains that share at least one assistant message
// identifier, merging transitively until groups are pairwise disjoint, and
// keeps the single longest chain of each group (first encountered on ties).
func collapseDuplicates(chains [][]*Entry, logger *slog.Logger) [][]*Entry {
	uf := newUnionFind(len(chains))
	owner := make(map[string]int) // assistant message id -> first chain seen
	for i, chain := range chains {
		for _, e := range chain {
			if e.MessageID == "" {
				continue
			}
			if j, ok := owner[e.MessageID]; ok {
				uf.union(i, j)
			} else {
				owner[e.MessageID] = i
			}
		}
	}

	best := make(map[int]int) // group root -> chain index of longest member
	for i := range chains {
		root := uf.find(i)
		if j, ok := best[root]; !ok || len(chains[i]) > len(chains[j]) {
			best[root] = i
		}
	}

	keepSet := make(map[int]bool, len(best))
	for _, i := range best {
		keepSet[i] = true
	}

	var kept [][]*Entry
	for i, chain := range chains {
		if keepSet[i] {
			kept = append(kept, chain)
		} else {
			logger.Debug("dropping duplicate chain",
				"length", len(chain),
				"kept_length", len(chains[best[uf.find(i)]]))
		}
	}
	return kept
}

// unionFind is a plain disjoint-set over chain indices.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(i int) int {
	for uf.parent[i] != i {
		uf.parent[i] = uf.parent[uf.parent[i]]
		i = uf.parent[i]
	}
	return i
}

func (uf *unionFind) union(i, j int) {
	ri, rj := uf.find(i), uf.find(j)
	if ri != rj {
		// Lower index wins so first-encountered chains anchor their group.
		if ri < rj {
			uf.parent[rj] = ri
		} else {
			uf.parent[ri] = rj
		}
	}
}
