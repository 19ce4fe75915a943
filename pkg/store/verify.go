package store

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/hathnode/hathnode/pkg/constants"
	"github.com/hathnode/hathnode/pkg/fileid"
)

// ReconcileOptions controls the startup filesystem walk.
type ReconcileOptions struct {
	// DeepVerify re-hashes every file's content and drops it on mismatch.
	// When false, only the name-to-size correspondence is checked via
	// stat, which is far cheaper but trusts that on-disk bytes weren't
	// corrupted.
	DeepVerify bool
	// ShowProgress attaches a terminal progress bar to the walk; set this
	// only when standard output is known to be a terminal.
	ShowProgress bool
}

// Reconcile walks cacheDir and brings the LRU index in line with what's
// actually on disk: stray files (on disk, not in the index) are indexed
// with the current time; index entries with no backing file are dropped.
// With DeepVerify set, every file is stream-hashed against its filename
// and removed on mismatch, bounded by VerifyConcurrency concurrent hashes.
func (s *Store) Reconcile(opts ReconcileOptions) error {
	onDisk, err := s.walkCacheFiles()
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if opts.ShowProgress {
		bar = progressbar.NewOptions(len(onDisk),
			progressbar.OptionSetDescription("verifying cache"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	seen := make(map[string]struct{}, len(onDisk))

	sem := make(chan struct{}, constants.VerifyConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, df := range onDisk {
		df := df
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			ok := true
			if opts.DeepVerify {
				actualHash, err := hashFile(df.path)
				if err != nil || actualHash != df.id.Hash {
					ok = false
				}
			} else {
				info, err := os.Stat(df.path)
				if err != nil || uint(info.Size()) != df.id.Size {
					ok = false
				}
			}

			mu.Lock()
			if ok {
				seen[df.id.String()] = struct{}{}
			} else {
				os.Remove(df.path)
			}
			if bar != nil {
				bar.Add(1)
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	s.mu.Lock()
	now := time.Now()
	for _, df := range onDisk {
		key := df.id.String()
		if _, ok := seen[key]; !ok {
			continue
		}
		if _, indexed := s.index.get(key); !indexed {
			static := s.staticRange.Contains(df.id.HashPrefix(4))
			s.index.touch(df.id, uint64(df.id.Size), static, now)
		}
	}
	for key := range s.index.nodes {
		if _, ok := seen[key]; !ok {
			s.index.remove(key)
		}
	}
	s.mu.Unlock()

	return nil
}

type diskFile struct {
	id   fileid.FileId
	path string
}

// walkCacheFiles lists every regular file under cacheDir whose name parses
// as a FileId, skipping anything that doesn't (leftover junk is ignored,
// not deleted, since it may not be ours to remove).
func (s *Store) walkCacheFiles() ([]diskFile, error) {
	var files []diskFile
	err := filepath.Walk(s.cacheDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		id, parseErr := fileid.Parse(info.Name())
		if parseErr != nil {
			return nil
		}
		files = append(files, diskFile{id: id, path: path})
		return nil
	})
	return files, err
}
