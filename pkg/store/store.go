// Package store implements the on-disk content-addressed blob store with
// LRU eviction specified in §3 and §4.B: lookup, single-flight insert,
// remove, stats, eviction, and startup verification.
package store

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hathnode/hathnode/pkg/constants"
	"github.com/hathnode/hathnode/pkg/fileid"
	"github.com/hathnode/hathnode/pkg/logging"
	"github.com/hathnode/hathnode/pkg/nodeerr"
)

// StaticRange is the set of 4-hex-character hash prefixes this node is
// authoritative for (§3). Static entries are pinned: never evicted, only
// removed by an explicit purge.
type StaticRange map[string]struct{}

func NewStaticRange(prefixes []string) StaticRange {
	r := make(StaticRange, len(prefixes))
	for _, p := range prefixes {
		r[p] = struct{}{}
	}
	return r
}

func (r StaticRange) Contains(hashPrefix4 string) bool {
	_, ok := r[hashPrefix4]
	return ok
}

// pendingInsert is the single-flight slot for an in-progress insert,
// shaped per the §9 design note: a map whose values are either a completed
// result or a broadcast channel woken by whoever transitions it.
type pendingInsert struct {
	done chan struct{}
	err  error // set before done is closed; CacheIntegrity on hash/size mismatch
}

// Store is the on-disk content-addressed cache.
type Store struct {
	cacheDir string
	tempDir  string

	mu          sync.RWMutex
	index       *lruIndex
	staticRange StaticRange
	sizeLimit   uint64

	insertMu sync.Mutex
	inflight map[string]*pendingInsert

	evictSignal chan struct{} // coalescing signal, capacity 1

	log     logging.Logger
	metrics *Metrics

	closeOnce sync.Once
	stopEvict chan struct{}
	evictDone chan struct{}
}

// Option configures New.
type Option func(*Store)

func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New constructs a Store rooted at cacheDir/tempDir. It does not scan the
// filesystem; call Reconcile to build the LRU index from what's on disk.
func New(cacheDir, tempDir string, sizeLimit uint64, staticRange StaticRange, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, nodeerr.NewConfigError(err, "creating cache dir %s", cacheDir)
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, nodeerr.NewConfigError(err, "creating temp dir %s", tempDir)
	}

	s := &Store{
		cacheDir:    cacheDir,
		tempDir:     tempDir,
		index:       newLRUIndex(),
		staticRange: staticRange,
		sizeLimit:   sizeLimit,
		inflight:    make(map[string]*pendingInsert),
		evictSignal: make(chan struct{}, 1),
		log:         logging.Nop{},
		stopEvict:   make(chan struct{}),
		evictDone:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}

	go s.evictionLoop()

	return s, nil
}

// SetSizeLimit updates the limit applied on future inserts/evictions
// (settings can change it via refresh_settings).
func (s *Store) SetSizeLimit(limit uint64) {
	s.mu.Lock()
	s.sizeLimit = limit
	s.mu.Unlock()
	s.signalEvict()
}

// pathFor returns the on-disk path for id: cache/<hh1>/<hh2>/<filename>.
func (s *Store) pathFor(id fileid.FileId) string {
	hh1 := id.HashPrefix(2)
	hh2 := id.Hash[2:4]
	return filepath.Join(s.cacheDir, hh1, hh2, id.String())
}

func (s *Store) tempPath(hash string) string {
	return filepath.Join(s.tempDir, hash+".tmp")
}

// ReadHandle streams a cached object's bytes.
type ReadHandle struct {
	io.ReadCloser
	Size uint64
}

// lookup performs an O(1) index probe; on hit it updates the LRU
// timestamp and returns a handle streaming the file; on miss it returns
// (nil, false). It never blocks on eviction.
func (s *Store) Lookup(id fileid.FileId) (*ReadHandle, bool) {
	key := id.String()

	s.mu.Lock()
	entry, ok := s.index.get(key)
	if ok {
		entry.lastAccess = time.Now().Unix()
		if el, found := s.index.nodes[key]; found {
			s.index.ll.MoveToFront(el)
		}
	}
	s.mu.Unlock()

	if !ok {
		s.metrics.misses.Inc()
		return nil, false
	}

	f, err := os.Open(s.pathFor(id))
	if err != nil {
		// Filesystem and index disagree; drop the stray index entry so
		// future lookups don't repeat the failed open.
		s.mu.Lock()
		s.index.remove(key)
		s.mu.Unlock()
		s.metrics.misses.Inc()
		return nil, false
	}

	s.metrics.hits.Inc()
	return &ReadHandle{ReadCloser: f, Size: uint64(id.Size)}, true
}

// WriteHandle is a writable temp path for an in-flight insert.
type WriteHandle struct {
	ID   fileid.FileId
	File *os.File
	path string
}

// InsertOutcome is delivered to every awaiter attached to a commit.
type InsertOutcome struct {
	Handle *ReadHandle
	Err    error
}

// InsertBegin implements the single-flight contract of §4.B: the first
// caller for id gets a writable temp file; subsequent callers attach to a
// channel woken when the first caller's commit resolves.
func (s *Store) InsertBegin(id fileid.FileId) (wh *WriteHandle, await <-chan struct{}, isFirst bool, err error) {
	key := id.String()

	s.insertMu.Lock()
	if existing, ok := s.inflight[key]; ok {
		s.insertMu.Unlock()
		return nil, existing.done, false, nil
	}

	pending := &pendingInsert{done: make(chan struct{})}
	s.inflight[key] = pending
	s.insertMu.Unlock()

	f, err := os.OpenFile(s.tempPath(id.Hash), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		s.insertMu.Lock()
		delete(s.inflight, key)
		s.insertMu.Unlock()
		return nil, nil, true, fmt.Errorf("opening temp file: %w", err)
	}

	return &WriteHandle{ID: id, File: f, path: s.tempPath(id.Hash)}, pending.done, true, nil
}

// AwaitResult is used by a caller who attached to an in-flight insert; it
// blocks on await (from InsertBegin) and then opens its own read handle,
// or returns the commit failure.
func (s *Store) AwaitResult(id fileid.FileId, await <-chan struct{}) (*ReadHandle, error) {
	// The slot is removed from inflight before await is closed, so it has
	// to be taken while the insert is still pending.
	s.insertMu.Lock()
	pending := s.inflight[id.String()]
	s.insertMu.Unlock()

	<-await

	if pending != nil && pending.done == await && pending.err != nil {
		return nil, pending.err
	}

	rh, ok := s.Lookup(id)
	if !ok {
		return nil, nodeerr.NewSourceFetchFail(nil, "commit succeeded but entry is no longer cached for %s", id)
	}
	return rh, nil
}

// InsertCommit verifies the streamed content against id (hash and size),
// and on success atomically renames the temp file into place, adds it to
// the LRU index, and signals eviction if over limit. On failure it deletes
// the temp file. Either way, every attached awaiter is woken.
func (s *Store) InsertCommit(wh *WriteHandle) (*ReadHandle, error) {
	key := wh.ID.String()

	commitErr := s.doCommit(wh)

	s.insertMu.Lock()
	pending := s.inflight[key]
	delete(s.inflight, key)
	s.insertMu.Unlock()

	if pending != nil {
		pending.err = commitErr
		close(pending.done)
	}

	if commitErr != nil {
		return nil, commitErr
	}
	return s.Lookup(wh.ID)
}

func (s *Store) doCommit(wh *WriteHandle) error {
	info, statErr := wh.File.Stat()
	size := int64(-1)
	if statErr == nil {
		size = info.Size()
	}
	wh.File.Close()

	if statErr != nil || size != int64(wh.ID.Size) {
		os.Remove(wh.path)
		return nodeerr.NewCacheIntegrity("size mismatch for %s: expected %d, got %d", wh.ID, wh.ID.Size, size)
	}

	actualHash, err := hashFile(wh.path)
	if err != nil {
		os.Remove(wh.path)
		return nodeerr.NewCacheIntegrity("rehashing %s failed: %v", wh.ID, err)
	}
	if actualHash != wh.ID.Hash {
		os.Remove(wh.path)
		return nodeerr.NewCacheIntegrity("hash mismatch for %s: got %s", wh.ID, actualHash)
	}

	finalPath := s.pathFor(wh.ID)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		os.Remove(wh.path)
		return fmt.Errorf("creating cache subdirectory: %w", err)
	}
	if err := os.Rename(wh.path, finalPath); err != nil {
		os.Remove(wh.path)
		return fmt.Errorf("renaming into place: %w", err)
	}

	static := s.staticRange.Contains(wh.ID.HashPrefix(4))
	s.mu.Lock()
	s.index.touch(wh.ID, uint64(wh.ID.Size), static, time.Now())
	overLimit := !static && s.index.nonStaticBytes > s.sizeLimit
	s.mu.Unlock()

	s.metrics.entries.Set(float64(s.EntryCount()))
	s.metrics.bytes.Set(float64(s.TotalBytes()))

	if overLimit {
		s.signalEvict()
	}
	return nil
}

// AbortInsert is used when the fetch feeding wh fails before a commit is
// attempted: the temp file is discarded and attached awaiters are woken
// with the given failure.
func (s *Store) AbortInsert(wh *WriteHandle, cause error) {
	wh.File.Close()
	os.Remove(wh.path)

	key := wh.ID.String()
	s.insertMu.Lock()
	pending := s.inflight[key]
	delete(s.inflight, key)
	s.insertMu.Unlock()

	if pending != nil {
		pending.err = nodeerr.NewSourceFetchFail(cause, "fetch aborted for %s", wh.ID)
		close(pending.done)
	}
}

// Remove deletes an entry's file and index record; a no-op if absent.
func (s *Store) Remove(id fileid.FileId) {
	key := id.String()

	s.mu.Lock()
	_, existed := s.index.remove(key)
	s.mu.Unlock()

	if existed {
		os.Remove(s.pathFor(id))
		s.metrics.entries.Set(float64(s.EntryCount()))
		s.metrics.bytes.Set(float64(s.TotalBytes()))
	}
}

// Stats returns (total_bytes, entry_count).
func (s *Store) Stats() (totalBytes uint64, entryCount int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.totalBytes, s.index.entryCount
}

func (s *Store) TotalBytes() uint64 {
	total, _ := s.Stats()
	return total
}

func (s *Store) EntryCount() int {
	_, n := s.Stats()
	return n
}

// Close stops the eviction loop.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stopEvict)
		<-s.evictDone
	})
}

func (s *Store) signalEvict() {
	select {
	case s.evictSignal <- struct{}{}:
	default:
	}
}

// evictionLoop runs on its own goroutine, triggered by the coalescing
// signal, and never blocks InsertCommit: a commit may temporarily exceed
// the limit until the next eviction pass catches up.
func (s *Store) evictionLoop() {
	defer close(s.evictDone)
	for {
		select {
		case <-s.stopEvict:
			return
		case <-s.evictSignal:
			s.runEviction()
		}
	}
}

func (s *Store) runEviction() {
	s.mu.Lock()
	limit := s.sizeLimit
	target := uint64(float64(limit) * constants.EvictionWatermark)
	nonStatic := s.index.nonStaticBytes
	if nonStatic <= limit {
		s.mu.Unlock()
		return
	}
	candidates := s.index.evictionCandidates()
	s.mu.Unlock()

	for _, entry := range candidates {
		if nonStatic <= target {
			break
		}
		s.mu.Lock()
		removed, ok := s.index.remove(entry.id.String())
		if ok {
			nonStatic = s.index.nonStaticBytes
		}
		s.mu.Unlock()
		if ok {
			os.Remove(s.pathFor(removed.id))
			s.metrics.evictions.Inc()
			s.metrics.evictedBytes.Add(float64(removed.size))
		}
	}

	s.metrics.entries.Set(float64(s.EntryCount()))
	s.metrics.bytes.Set(float64(s.TotalBytes()))
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, bufio.NewReaderSize(f, 256*1024)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
