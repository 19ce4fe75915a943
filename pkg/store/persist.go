package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hathnode/hathnode/pkg/fileid"
)

const lruPersistVersion uint32 = 1

// Persist writes the LRU index to path in the format of §9: u32 version,
// u64 entry_count, then entry_count records of len:u8 | fileid-utf8 |
// u64 last_access_unix_seconds. It writes to a temp file and renames into
// place so a crash mid-write never corrupts the existing snapshot.
func (s *Store) Persist(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}

	w := bufio.NewWriter(f)

	s.mu.RLock()
	entryCount := s.index.entryCount
	records := make([]*lruEntry, 0, entryCount)
	for el := s.index.ll.Front(); el != nil; el = el.Next() {
		records = append(records, el.Value.(*lruEntry))
	}
	s.mu.RUnlock()

	if err := binary.Write(w, binary.BigEndian, lruPersistVersion); err != nil {
		f.Close()
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint64(len(records))); err != nil {
		f.Close()
		return err
	}

	for _, e := range records {
		idStr := e.id.String()
		if len(idStr) > 255 {
			f.Close()
			return fmt.Errorf("fileid %q exceeds 255 bytes, cannot persist", idStr)
		}
		if err := w.WriteByte(byte(len(idStr))); err != nil {
			f.Close()
			return err
		}
		if _, err := w.WriteString(idStr); err != nil {
			f.Close()
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint64(e.lastAccess)); err != nil {
			f.Close()
			return err
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadPersisted reads a snapshot written by Persist and populates the LRU
// index, marking entries in staticRange as pinned. It does not check the
// filesystem; call Reconcile afterward to catch drift between the
// snapshot and what's actually in cacheDir.
func (s *Store) LoadPersisted(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return fmt.Errorf("reading version: %w", err)
	}
	if version != lruPersistVersion {
		return fmt.Errorf("unsupported lru.dat version %d", version)
	}

	var count uint64
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return fmt.Errorf("reading entry count: %w", err)
	}

	type record struct {
		id         fileid.FileId
		lastAccess uint64
	}
	records := make([]record, 0, count)

	for i := uint64(0); i < count; i++ {
		length, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("reading record %d length: %w", i, err)
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("reading record %d fileid: %w", i, err)
		}
		id, err := fileid.Parse(string(buf))
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		var lastAccess uint64
		if err := binary.Read(r, binary.BigEndian, &lastAccess); err != nil {
			return fmt.Errorf("reading record %d timestamp: %w", i, err)
		}
		records = append(records, record{id: id, lastAccess: lastAccess})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Persist writes records MRU-first (list front to back); touch always
	// pushes new entries to the front, so replaying in file order would
	// leave the index reversed. Replaying back-to-front restores the
	// original order, keeping a load-then-persist round trip stable.
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		static := s.staticRange.Contains(rec.id.HashPrefix(4))
		s.index.touch(rec.id, uint64(rec.id.Size), static, time.Unix(int64(rec.lastAccess), 0))
	}

	return nil
}

// RemoveOrphanTemps deletes every leftover *.tmp file in the temp
// directory, matching the "orphans deleted at startup" rule.
func (s *Store) RemoveOrphanTemps() error {
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == ".tmp" {
			os.Remove(filepath.Join(s.tempDir, e.Name()))
		}
	}
	return nil
}
