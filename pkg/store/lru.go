package store

import (
	"container/list"
	"time"

	"github.com/hathnode/hathnode/pkg/fileid"
)

// lruIndex is an in-memory ordered mapping from FileId to last-access
// timestamp, as specified in §3. A doubly-linked list keyed by FileId plus
// a map of iterators gives O(1) touch and O(k) eviction scan, the shape
// suggested in §9.
//
// Not safe for concurrent use on its own; callers hold store.mu.
type lruIndex struct {
	ll    *list.List // front = most recently used
	nodes map[string]*list.Element

	totalBytes      uint64
	nonStaticBytes  uint64
	entryCount      int
}

type lruEntry struct {
	id         fileid.FileId
	size       uint64
	static     bool
	lastAccess int64 // unix seconds
}

func newLRUIndex() *lruIndex {
	return &lruIndex{
		ll:    list.New(),
		nodes: make(map[string]*list.Element),
	}
}

func (l *lruIndex) get(key string) (*lruEntry, bool) {
	el, ok := l.nodes[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*lruEntry), true
}

// touch moves key to the front and stamps it with now, recording it if
// absent (used on insertion).
func (l *lruIndex) touch(id fileid.FileId, size uint64, static bool, now time.Time) {
	key := id.String()
	if el, ok := l.nodes[key]; ok {
		entry := el.Value.(*lruEntry)
		entry.lastAccess = now.Unix()
		l.ll.MoveToFront(el)
		return
	}

	entry := &lruEntry{id: id, size: size, static: static, lastAccess: now.Unix()}
	el := l.ll.PushFront(entry)
	l.nodes[key] = el
	l.totalBytes += size
	l.entryCount++
	if !static {
		l.nonStaticBytes += size
	}
}

func (l *lruIndex) remove(key string) (*lruEntry, bool) {
	el, ok := l.nodes[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*lruEntry)
	l.ll.Remove(el)
	delete(l.nodes, key)
	l.totalBytes -= entry.size
	l.entryCount--
	if !entry.static {
		l.nonStaticBytes -= entry.size
	}
	return entry, true
}

// evictionCandidates returns non-static entries in ascending
// last-access order (oldest first), the order eviction drains in.
func (l *lruIndex) evictionCandidates() []*lruEntry {
	candidates := make([]*lruEntry, 0, l.entryCount)
	for el := l.ll.Back(); el != nil; el = el.Prev() {
		entry := el.Value.(*lruEntry)
		if !entry.static {
			candidates = append(candidates, entry)
		}
	}
	// el.Prev() walked from the least-recently-used end already, but the
	// back-to-front walk here visits the list tail (LRU) to head (MRU),
	// which already yields ascending recency. Re-sort defensively by
	// lastAccess to make the contract explicit regardless of MRU/LRU
	// bookkeeping drift.
	sortByLastAccess(candidates)
	return candidates
}

func sortByLastAccess(entries []*lruEntry) {
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 && entries[j-1].lastAccess > entries[j].lastAccess {
			entries[j-1], entries[j] = entries[j], entries[j-1]
			j--
		}
	}
}
