package store

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hathnode/hathnode/pkg/fileid"
)

func newTestStore(t *testing.T, sizeLimit uint64, static StaticRange) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "cache"), filepath.Join(dir, "temp"), sizeLimit, static)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func idFor(body []byte) fileid.FileId {
	sum := sha1.Sum(body)
	return fileid.FileId{
		Hash:   hex.EncodeToString(sum[:]),
		Width:  100,
		Height: 100,
		Size:   uint(len(body)),
		Format: fileid.JPG,
	}
}

func insert(t *testing.T, s *Store, body []byte) fileid.FileId {
	t.Helper()
	id := idFor(body)
	wh, _, isFirst, err := s.InsertBegin(id)
	if err != nil {
		t.Fatalf("InsertBegin: %v", err)
	}
	if !isFirst {
		t.Fatal("expected first caller for a fresh id")
	}
	if _, err := wh.File.Write(body); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	rh, err := s.InsertCommit(wh)
	if err != nil {
		t.Fatalf("InsertCommit: %v", err)
	}
	rh.Close()
	return id
}

func TestLookupMissOnEmptyStore(t *testing.T) {
	s := newTestStore(t, 1<<20, nil)
	_, ok := s.Lookup(idFor([]byte("nonexistent")))
	if ok {
		t.Error("expected miss on empty store")
	}
}

func TestInsertThenLookupHits(t *testing.T) {
	s := newTestStore(t, 1<<20, nil)
	body := []byte("hello world")
	id := insert(t, s, body)

	rh, ok := s.Lookup(id)
	if !ok {
		t.Fatal("expected hit after insert")
	}
	defer rh.Close()

	got, err := io.ReadAll(rh)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(body) {
		t.Errorf("body = %q, want %q", got, body)
	}
}

func TestInsertCommitRejectsSizeMismatch(t *testing.T) {
	s := newTestStore(t, 1<<20, nil)
	body := []byte("hello world")
	id := idFor(body)
	id.Size = uint(len(body)) + 1 // lie about size

	wh, _, _, err := s.InsertBegin(id)
	if err != nil {
		t.Fatalf("InsertBegin: %v", err)
	}
	wh.File.Write(body)

	if _, err := s.InsertCommit(wh); err == nil {
		t.Error("expected size mismatch to fail commit")
	}
	if _, ok := s.Lookup(id); ok {
		t.Error("rejected insert must not be cached")
	}
}

func TestInsertCommitRejectsHashMismatch(t *testing.T) {
	s := newTestStore(t, 1<<20, nil)
	body := []byte("hello world")
	id := idFor(body)
	id.Hash = idFor([]byte("different content")).Hash // wrong hash, same size

	wh, _, _, err := s.InsertBegin(id)
	if err != nil {
		t.Fatalf("InsertBegin: %v", err)
	}
	wh.File.Write(body)

	if _, err := s.InsertCommit(wh); err == nil {
		t.Error("expected hash mismatch to fail commit")
	}
	if _, ok := s.Lookup(id); ok {
		t.Error("rejected insert must not be cached")
	}
}

func TestSecondInsertBeginAttachesToFirst(t *testing.T) {
	s := newTestStore(t, 1<<20, nil)
	body := []byte("shared content")
	id := idFor(body)

	wh1, _, isFirst1, err := s.InsertBegin(id)
	if err != nil || !isFirst1 {
		t.Fatalf("first InsertBegin: isFirst=%v err=%v", isFirst1, err)
	}

	_, await2, isFirst2, err := s.InsertBegin(id)
	if err != nil {
		t.Fatalf("second InsertBegin: %v", err)
	}
	if isFirst2 {
		t.Fatal("second caller should not be first")
	}

	wh1.File.Write(body)
	if _, err := s.InsertCommit(wh1); err != nil {
		t.Fatalf("InsertCommit: %v", err)
	}

	rh, err := s.AwaitResult(id, await2)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	rh.Close()
}

func TestRemoveDeletesEntryAndFile(t *testing.T) {
	s := newTestStore(t, 1<<20, nil)
	body := []byte("to be removed")
	id := insert(t, s, body)

	s.Remove(id)

	if _, ok := s.Lookup(id); ok {
		t.Error("expected miss after Remove")
	}
}

func TestStaticEntriesSurviveEviction(t *testing.T) {
	body := make([]byte, 1024)
	for i := range body {
		body[i] = byte(i)
	}
	staticID := idFor(body)
	static := NewStaticRange([]string{staticID.HashPrefix(4)})

	s := newTestStore(t, 1500, static)
	insert(t, s, body)

	for i := 0; i < 10; i++ {
		other := make([]byte, 1024)
		copy(other, body)
		other[0] = byte(i + 1)
		insert(t, s, other)
	}

	s.signalEvict()
	waitForEviction(t, s)

	if _, ok := s.Lookup(staticID); !ok {
		t.Error("static entry must survive eviction regardless of size pressure")
	}
}

func TestEvictionDrainsToWatermark(t *testing.T) {
	s := newTestStore(t, 5000, nil)

	for i := 0; i < 10; i++ {
		body := make([]byte, 1024)
		body[0] = byte(i)
		insert(t, s, body)
	}

	waitForEviction(t, s)

	// Eviction drains to 90% of the 5000-byte limit.
	const watermark = 4500
	total := s.TotalBytes()
	if total > watermark {
		t.Errorf("total bytes = %d, want <= watermark %d after eviction settles", total, watermark)
	}
}

func waitForEviction(t *testing.T, s *Store) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.RLock()
		over := s.index.nonStaticBytes > s.sizeLimit
		s.mu.RUnlock()
		if !over {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSetSizeLimitTriggersEviction(t *testing.T) {
	s := newTestStore(t, 1<<20, nil)
	for i := 0; i < 5; i++ {
		body := make([]byte, 1024)
		body[0] = byte(i)
		insert(t, s, body)
	}

	s.SetSizeLimit(500)
	waitForEviction(t, s)

	if s.TotalBytes() > 500 {
		t.Errorf("total bytes = %d, want <= 500 after shrinking limit", s.TotalBytes())
	}
}

func TestRemoveOrphanTempsCleansStaleFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "cache"), filepath.Join(dir, "temp"), 1<<20, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	orphan := filepath.Join(dir, "temp", "deadbeef.tmp")
	if err := os.WriteFile(orphan, []byte("stale"), 0o644); err != nil {
		t.Fatalf("seeding orphan: %v", err)
	}

	if err := s.RemoveOrphanTemps(); err != nil {
		t.Fatalf("RemoveOrphanTemps: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("expected orphan temp file to be removed")
	}
}
