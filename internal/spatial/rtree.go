// Package spatial implements the thread-safe R-tree that backs the
// geographic index: quadratic-split node partitioning, a node fanout of
// 64, and a shared/exclusive locking discipline over the tree.
package spatial

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/geoserver/internal/geo"
)

// DefaultFanout is the node fanout used unless a caller overrides it via
// configuration (FanoutNodeSize).
const DefaultFanout = 64

// Entry pairs a minimum bounding rectangle with an opaque payload. The
// payload encodes "{id},{kind}"; the tree never parses it except where a
// caller explicitly asks it to (RemoveByPayload takes the already-encoded
// string).
type Entry struct {
	MBR     geo.Box
	Payload string
}

type node struct {
	leaf    bool
	parent  *node
	mbr     geo.Box
	entries []nodeEntry
}

// nodeEntry is either a leaf entry (child == nil) or an internal entry
// pointing at a child node whose bounding box is mbr.
type nodeEntry struct {
	mbr     geo.Box
	child   *node
	payload string
}

// RTree is a quadratic-split R-tree protected by a shared/exclusive lock.
// Readers (Search, Size) take the read side; writers (InsertOne,
// InsertBatch, RemoveByPayload) take the write side.
type RTree struct {
	mu         sync.RWMutex
	root       *node
	maxEntries int
	minEntries int
	size       int
}

// New creates an empty R-tree with the given node fanout. A fanout <= 1
// falls back to DefaultFanout.
func New(fanout int) *RTree {
	if fanout <= 1 {
		fanout = DefaultFanout
	}
	min := fanout / 2
	if min < 1 {
		min = 1
	}
	return &RTree{
		root:       &node{leaf: true},
		maxEntries: fanout,
		minEntries: min,
	}
}

// Size returns the current number of stored entries.
func (t *RTree) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Search returns every stored entry whose MBR intersects queryBox. Order
// is unspecified.
func (t *RTree) Search(queryBox geo.Box) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var results []Entry
	t.search(t.root, queryBox, &results)
	return results
}

func (t *RTree) search(n *node, box geo.Box, out *[]Entry) {
	for _, e := range n.entries {
		if !e.mbr.Intersects(box) {
			continue
		}
		if n.leaf {
			*out = append(*out, Entry{MBR: e.mbr, Payload: e.payload})
		} else {
			t.search(e.child, box, out)
		}
	}
}

// InsertOne inserts a single entry atomically under an exclusive lock.
func (t *RTree) InsertOne(mbr geo.Box, payload string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insert(nodeEntry{mbr: mbr, payload: payload})
	t.size++
}

// InsertBatch inserts every entry atomically under a single exclusive
// lock acquisition, as required by the bulk-build and batch-insert
// paths.
func (t *RTree) InsertBatch(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		t.insert(nodeEntry{mbr: e.MBR, payload: e.Payload})
	}
	t.size += len(entries)
}

// RemoveByPayload removes the single entry whose payload matches exactly.
// Because every payload encodes a unique id, this is sufficient to
// implement id-based deletion without ever comparing MBRs. It reports
// whether an entry was removed.
func (t *RTree) RemoveByPayload(payload string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	leaf, idx := t.findLeaf(t.root, payload)
	if leaf == nil {
		return false
	}
	leaf.entries = append(leaf.entries[:idx], leaf.entries[idx+1:]...)
	t.size--
	t.adjustAncestors(leaf)
	return true
}

// RemoveBatchByPayload removes every entry named in payloads, returning
// the number actually removed. Intended for the exclusive-lock apply
// phase of a parallel id-scan.
func (t *RTree) RemoveBatchByPayload(payloads []string) int {
	if len(payloads) == 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for _, p := range payloads {
		leaf, idx := t.findLeaf(t.root, p)
		if leaf == nil {
			continue
		}
		leaf.entries = append(leaf.entries[:idx], leaf.entries[idx+1:]...)
		t.size--
		t.adjustAncestors(leaf)
		removed++
	}
	return removed
}

func (t *RTree) findLeaf(n *node, payload string) (*node, int) {
	if n.leaf {
		for i, e := range n.entries {
			if e.payload == payload {
				return n, i
			}
		}
		return nil, -1
	}
	for _, e := range n.entries {
		if leaf, idx := t.findLeaf(e.child, payload); leaf != nil {
			return leaf, idx
		}
	}
	return nil, -1
}

// adjustAncestors recomputes n's bounding box and propagates the shrink
// upward. This is a simplified condense step: underfull nodes are left
// in place rather than merged/reinserted, which costs nothing in
// correctness (membership and MBR exactness are unaffected, only tree
// balance) but trades some query locality for a much simpler deletion
// path.
func (t *RTree) adjustAncestors(n *node) {
	for n != nil {
		n.mbr = computeMBR(n.entries)
		parent := n.parent
		if parent == nil {
			break
		}
		for i := range parent.entries {
			if parent.entries[i].child == n {
				parent.entries[i].mbr = n.mbr
				break
			}
		}
		n = parent
	}
}

func computeMBR(entries []nodeEntry) geo.Box {
	if len(entries) == 0 {
		return geo.Box{}
	}
	b := entries[0].mbr
	for _, e := range entries[1:] {
		b = b.Union(e.mbr)
	}
	return b
}

// insert implements Guttman's ChooseLeaf + quadratic split, called while
// holding the exclusive lock.
func (t *RTree) insert(e nodeEntry) {
	leaf := t.chooseLeaf(t.root, e.mbr)
	leaf.entries = append(leaf.entries, e)
	if e.child != nil {
		e.child.parent = leaf
	}
	var split *node
	if len(leaf.entries) > t.maxEntries {
		split = t.splitNode(leaf)
	}
	t.adjustTree(leaf, split)
}

func (t *RTree) chooseLeaf(n *node, mbr geo.Box) *node {
	for !n.leaf {
		best := 0
		bestEnlarge := n.entries[0].mbr.Enlargement(mbr)
		bestArea := n.entries[0].mbr.Area()
		for i := 1; i < len(n.entries); i++ {
			enlarge := n.entries[i].mbr.Enlargement(mbr)
			area := n.entries[i].mbr.Area()
			if enlarge < bestEnlarge || (enlarge == bestEnlarge && area < bestArea) {
				best, bestEnlarge, bestArea = i, enlarge, area
			}
		}
		n = n.entries[best].child
	}
	return n
}

// adjustTree recomputes bounding boxes from leaf up to the root, and
// propagates node splits upward, growing the root when necessary.
func (t *RTree) adjustTree(n *node, split *node) {
	for {
		n.mbr = computeMBR(n.entries)
		parent := n.parent

		if parent == nil {
			if split == nil {
				return
			}
			// Root split: create a new root with two children.
			newRoot := &node{
				leaf: false,
				entries: []nodeEntry{
					{mbr: n.mbr, child: n},
					{mbr: split.mbr, child: split},
				},
			}
			n.parent = newRoot
			split.parent = newRoot
			t.root = newRoot
			return
		}

		for i := range parent.entries {
			if parent.entries[i].child == n {
				parent.entries[i].mbr = n.mbr
				break
			}
		}
		if split != nil {
			parent.entries = append(parent.entries, nodeEntry{mbr: split.mbr, child: split})
			split.parent = parent
		}

		if len(parent.entries) > t.maxEntries {
			split = t.splitNode(parent)
		} else {
			split = nil
		}
		n = parent
	}
}

// splitNode partitions an overflowing node's entries using Guttman's
// quadratic-cost split algorithm (the same heuristic boost::geometry
// calls "quadratic" in the original RTreeManager declaration) and returns
// the newly created sibling node. n is mutated in place to hold group A;
// the returned node holds group B.
func (t *RTree) splitNode(n *node) *node {
	entries := n.entries
	seedA, seedB := pickSeeds(entries)

	groupA := []nodeEntry{entries[seedA]}
	groupB := []nodeEntry{entries[seedB]}
	boxA := entries[seedA].mbr
	boxB := entries[seedB].mbr

	remaining := make([]nodeEntry, 0, len(entries)-2)
	for i, e := range entries {
		if i != seedA && i != seedB {
			remaining = append(remaining, e)
		}
	}

	for len(remaining) > 0 {
		// Stop early and dump the rest into whichever group is short of
		// minEntries, per Guttman's algorithm.
		if len(groupA)+len(remaining) <= t.minEntries {
			groupA = append(groupA, remaining...)
			remaining = nil
			break
		}
		if len(groupB)+len(remaining) <= t.minEntries {
			groupB = append(groupB, remaining...)
			remaining = nil
			break
		}

		// Pick next: entry with the greatest preference difference
		// between the two groups.
		best := 0
		bestDiff := -1.0
		var bestEnlargeA, bestEnlargeB float64
		for i, e := range remaining {
			enlargeA := boxA.Enlargement(e.mbr)
			enlargeB := boxB.Enlargement(e.mbr)
			diff := enlargeA - enlargeB
			if diff < 0 {
				diff = -diff
			}
			if diff > bestDiff {
				best, bestDiff, bestEnlargeA, bestEnlargeB = i, diff, enlargeA, enlargeB
			}
		}

		chosen := remaining[best]
		remaining = append(remaining[:best], remaining[best+1:]...)

		switch {
		case bestEnlargeA < bestEnlargeB:
			groupA = append(groupA, chosen)
			boxA = boxA.Union(chosen.mbr)
		case bestEnlargeB < bestEnlargeA:
			groupB = append(groupB, chosen)
			boxB = boxB.Union(chosen.mbr)
		case boxA.Area() < boxB.Area():
			groupA = append(groupA, chosen)
			boxA = boxA.Union(chosen.mbr)
		case boxB.Area() < boxA.Area():
			groupB = append(groupB, chosen)
			boxB = boxB.Union(chosen.mbr)
		case len(groupA) <= len(groupB):
			groupA = append(groupA, chosen)
			boxA = boxA.Union(chosen.mbr)
		default:
			groupB = append(groupB, chosen)
			boxB = boxB.Union(chosen.mbr)
		}
	}

	n.entries = groupA
	n.mbr = boxA
	for _, e := range groupA {
		if e.child != nil {
			e.child.parent = n
		}
	}

	sibling := &node{leaf: n.leaf, entries: groupB, mbr: boxB}
	for _, e := range groupB {
		if e.child != nil {
			e.child.parent = sibling
		}
	}
	return sibling
}

// pickSeeds implements Guttman's quadratic PickSeeds: the pair of entries
// that would waste the most area if placed in the same group.
func pickSeeds(entries []nodeEntry) (int, int) {
	bestI, bestJ := 0, 1
	bestWaste := -1.0
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			combined := entries[i].mbr.Union(entries[j].mbr)
			waste := combined.Area() - entries[i].mbr.Area() - entries[j].mbr.Area()
			if waste > bestWaste {
				bestI, bestJ, bestWaste = i, j, waste
			}
		}
	}
	return bestI, bestJ
}

// BuildFrom partitions objs into workerCount contiguous ranges, computes
// each entry's MBR and payload in parallel, locally dedupes by
// {id,kind}, merges the partial results, globally sorts and dedupes by
// payload, then performs a single bulk insert under one exclusive lock.
// Objects with empty coordinates are skipped silently, and objects whose
// MBR cannot be computed are logged and skipped; neither aborts the build. After return the tree holds exactly
// one entry per unique {id,kind} in objs.
func (t *RTree) BuildFrom(objs []geo.Object, workerCount int) {
	if len(objs) == 0 {
		return
	}
	segments := workerCount
	if segments <= 0 || segments > len(objs) {
		segments = len(objs)
	}
	if segments < 1 {
		segments = 1
	}

	partials := make([][]Entry, segments)
	traverse.Each(segments, func(jobIdx int) error { // nolint: errcheck
		n := len(objs)
		startIdx := jobIdx * n / segments
		endIdx := (jobIdx + 1) * n / segments

		seen := make(map[string]bool)
		var local []Entry
		for _, o := range objs[startIdx:endIdx] {
			if len(o.Coords) == 0 {
				continue
			}
			mbr, err := geo.MBR(o.Kind, o.Coords)
			if err != nil {
				log.Debug.Printf("spatial: skipping object %d during build: %v", o.ID, err)
				continue
			}
			payload := strconv.FormatUint(o.ID, 10) + "," + string(o.Kind)
			if seen[payload] {
				continue
			}
			seen[payload] = true
			local = append(local, Entry{MBR: mbr, Payload: payload})
		}
		partials[jobIdx] = local
		return nil
	})

	var merged []Entry
	for _, p := range partials {
		merged = append(merged, p...)
	}
	SortPayloads(merged)
	merged = DedupeSorted(merged)
	t.InsertBatch(merged)
}

// RemoveByIDs removes every entry whose payload's leading id is present
// in ids. It snapshots the tree under a shared lock (via Search over the
// full plane), scans the snapshot in parallel across workerCount
// segments to find matching payloads without holding any lock, then
// reacquires the exclusive lock once to apply the removals. It returns
// the number of entries actually removed, which may be less than
// len(ids) if some were already absent.
func (t *RTree) RemoveByIDs(ids map[uint64]bool, workerCount int) int {
	if len(ids) == 0 {
		return 0
	}
	snapshot := t.Search(geo.Box{
		MinX: -math.MaxFloat64, MinY: -math.MaxFloat64,
		MaxX: math.MaxFloat64, MaxY: math.MaxFloat64,
	})
	if len(snapshot) == 0 {
		return 0
	}

	segments := workerCount
	if segments <= 0 || segments > len(snapshot) {
		segments = len(snapshot)
	}
	if segments < 1 {
		segments = 1
	}

	matches := make([][]string, segments)
	traverse.Each(segments, func(jobIdx int) error { // nolint: errcheck
		n := len(snapshot)
		startIdx := jobIdx * n / segments
		endIdx := (jobIdx + 1) * n / segments

		var local []string
		for _, e := range snapshot[startIdx:endIdx] {
			comma := strings.IndexByte(e.Payload, ',')
			if comma < 0 {
				log.Error.Printf("spatial: payload %q has no id field during delete scan", e.Payload)
				continue
			}
			id, err := strconv.ParseUint(e.Payload[:comma], 10, 64)
			if err != nil {
				log.Error.Printf("spatial: payload %q has unparseable id during delete scan: %v", e.Payload, err)
				continue
			}
			if ids[id] {
				local = append(local, e.Payload)
			}
		}
		matches[jobIdx] = local
		return nil
	})

	var toRemove []string
	for _, m := range matches {
		toRemove = append(toRemove, m...)
	}
	return t.RemoveBatchByPayload(toRemove)
}

// SortPayloads sorts entries by payload ascending, a helper used by the
// parallel build path to perform the global sort+unique pass before the
// single bulk insert.
func SortPayloads(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Payload < entries[j].Payload })
}

// DedupeSorted removes adjacent entries with equal payloads from a slice
// already sorted by payload (SortPayloads), keeping the first occurrence.
func DedupeSorted(entries []Entry) []Entry {
	if len(entries) == 0 {
		return entries
	}
	out := entries[:1]
	for _, e := range entries[1:] {
		if e.Payload != out[len(out)-1].Payload {
			out = append(out, e)
		}
	}
	return out
}
