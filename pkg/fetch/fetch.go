// Package fetch implements the upstream source fetcher of §4.D: on a
// cache miss, pull a FileId's bytes from a coordinator-provided hint list
// into the cache, with single-flight coalescing across concurrent requests
// for the same object. The upstream body is written only to the cache; a
// client receives bytes after the object is committed, read back from the
// cached file, so nothing reaches the client while the fetch is running.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/hathnode/hathnode/pkg/constants"
	"github.com/hathnode/hathnode/pkg/fileid"
	"github.com/hathnode/hathnode/pkg/logging"
	"github.com/hathnode/hathnode/pkg/nodeerr"
	"github.com/hathnode/hathnode/pkg/store"
)

// Hint is one source to try, in order, for a given FileId (§4.D: "host;port;key").
type Hint struct {
	Host string
	Port uint16
	Key  string
}

// Fetcher pulls missing objects from upstream hints and commits them to a
// Store, deduplicating concurrent requests for the same FileId with
// singleflight ahead of the store's own insert bookkeeping: the network
// call itself is coalesced here, while Store.InsertBegin/InsertCommit
// independently guarantee insert correctness regardless of caller.
type Fetcher struct {
	store      *store.Store
	httpClient *http.Client
	group      singleflight.Group
	log        logging.Logger
}

func New(st *store.Store, log logging.Logger) *Fetcher {
	if log == nil {
		log = logging.Nop{}
	}
	return &Fetcher{
		store: st,
		httpClient: &http.Client{
			Timeout: constants.SourceFetchTimeout,
		},
		log: log,
	}
}

// Ensure guarantees id is committed to the cache, fetching it from hints
// if it is not already present. Only the network fetch itself is shared
// across concurrent callers for the same id — each caller that later reads
// the result still opens its own os.File, so two clients waiting on the
// same miss never contend over one descriptor. Callers that need the
// bytes should commit to a response status only after Ensure returns: an
// error here means nothing was ever written, so the caller can still reply
// 404/502 instead of a truncated 200.
func (f *Fetcher) Ensure(ctx context.Context, id fileid.FileId, hints []Hint) error {
	_, err, _ := f.group.Do(id.String(), func() (interface{}, error) {
		return nil, f.fetchAndCommit(ctx, id, hints)
	})
	return err
}

// Fetch ensures id is cached, then streams it to w from the node's own
// fresh read handle.
func (f *Fetcher) Fetch(ctx context.Context, id fileid.FileId, hints []Hint, w io.Writer) error {
	if err := f.Ensure(ctx, id, hints); err != nil {
		return err
	}

	rh, ok := f.store.Lookup(id)
	if !ok {
		return nodeerr.NewSourceFetchFail(nil, "commit succeeded but %s is no longer cached", id)
	}
	defer rh.Close()

	_, copyErr := io.Copy(w, rh)
	return copyErr
}

// fetchAndCommit tries each hint in order until one streams a
// hash-and-size-verified object into the cache.
func (f *Fetcher) fetchAndCommit(ctx context.Context, id fileid.FileId, hints []Hint) error {
	wh, await, isFirst, err := f.store.InsertBegin(id)
	if err != nil {
		return fmt.Errorf("beginning insert for %s: %w", id, err)
	}
	if !isFirst {
		rh, awaitErr := f.store.AwaitResult(id, await)
		if awaitErr != nil {
			return awaitErr
		}
		rh.Close()
		return nil
	}

	var lastErr error
	for _, hint := range hints {
		if err := f.streamOneHint(ctx, hint, wh); err != nil {
			lastErr = err
			f.log.Debug("source hint failed", logging.F("fileid", id.String()), logging.F("host", hint.Host), logging.F("err", err.Error()))
			continue
		}

		rh, commitErr := f.store.InsertCommit(wh)
		if commitErr != nil {
			lastErr = commitErr
			// InsertCommit has closed wh and released the insert slot;
			// claim a fresh one before trying the next hint.
			wh, _, isFirst, err = f.store.InsertBegin(id)
			if err != nil || !isFirst {
				return nodeerr.NewSourceFetchFail(lastErr, "source for %s failed verification", id)
			}
			continue
		}
		rh.Close()
		return nil
	}

	f.store.AbortInsert(wh, lastErr)
	if lastErr == nil {
		lastErr = fmt.Errorf("no source hints provided for %s", id)
	}
	return nodeerr.NewSourceFetchFail(lastErr, "all source hints exhausted for %s", id)
}

// streamOneHint performs one upstream GET and copies its body into wh,
// resetting the temp file's offset to zero first so a prior failed hint's
// partial write doesn't leak into this attempt.
func (f *Fetcher) streamOneHint(ctx context.Context, hint Hint, wh *store.WriteHandle) error {
	attemptCtx, cancel := context.WithTimeout(ctx, constants.SourceFetchTimeout)
	defer cancel()

	u := fmt.Sprintf("http://%s:%d/", hint.Host, hint.Port)
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Hath-Key", hint.Key)
	req.Close = true

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("source %s returned status %d", u, resp.StatusCode)
	}

	if _, err := wh.File.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := wh.File.Truncate(0); err != nil {
		return err
	}

	buf := make([]byte, constants.FetchTeeBufferSize)
	if _, err := io.CopyBuffer(wh.File, resp.Body, buf); err != nil {
		return fmt.Errorf("streaming from %s: %w", u, err)
	}
	return wh.File.Sync()
}
