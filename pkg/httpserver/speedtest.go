package httpserver

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hathnode/hathnode/pkg/constants"
)

// handleSpeedTestResponder implements route 3 of §4.F: emit exactly size
// bytes of pseudo-random data, deterministic from rand so repeated probes
// with the same seed are reproducible for debugging.
func (s *Server) handleSpeedTestResponder(w http.ResponseWriter, r *http.Request) {
	size, err := strconv.ParseInt(chi.URLParam(r, "size"), 10, 64)
	if err != nil || size < 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	seed := seedFromString(chi.URLParam(r, "rand"))
	rng := rand.New(rand.NewSource(seed))

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)

	buf := make([]byte, 64*1024)
	remaining := size
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		rng.Read(buf[:n])
		if _, err := w.Write(buf[:n]); err != nil {
			return
		}
		remaining -= n
	}
}

func seedFromString(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}

// handleSpeedTestCommand implements §4.H: parse the additional field,
// spawn testcount parallel outbound probes against the speed-test
// responder route, and reply with an aggregated timing summary.
func (s *Server) handleSpeedTestCommand(w http.ResponseWriter, r *http.Request, additional string) {
	fields := parseAdditional(additional)

	hostname := fields["hostname"]
	protocol := fields["protocol"]
	port := fields["port"]
	testsize, sizeErr := strconv.ParseInt(fields["testsize"], 10, 64)
	testcount, countErr := strconv.Atoi(fields["testcount"])
	testtime := fields["testtime"]
	testkey := fields["testkey"]

	if hostname == "" || protocol == "" || port == "" || testkey == "" ||
		sizeErr != nil || testsize <= 0 || countErr != nil || testcount <= 0 {
		fmt.Fprint(w, "INVALID_COMMAND")
		return
	}

	url := fmt.Sprintf("%s://%s:%s/t/%d/%s/%s/%s", protocol, hostname, port, testsize, testtime, testkey, uuid.NewString())

	var successCount int32
	var totalMs int64
	var wg sync.WaitGroup

	ctx, cancel := context.WithTimeout(r.Context(), constants.SpeedTestAttemptTimeout*time.Duration(constants.SpeedTestMaxRetries))
	defer cancel()

	for i := 0; i < testcount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ms, ok := probeOnce(ctx, url, testsize)
			if ok {
				atomic.AddInt32(&successCount, 1)
				atomic.AddInt64(&totalMs, ms)
			}
		}()
	}
	wg.Wait()

	fmt.Fprintf(w, "OK:%d-%d", successCount, totalMs)
}

// probeOnce issues the probe GET with up to SpeedTestMaxRetries attempts,
// each bounded by SpeedTestAttemptTimeout, verifying the response length
// equals testsize.
func probeOnce(ctx context.Context, url string, testsize int64) (ms int64, ok bool) {
	client := &http.Client{Timeout: constants.SpeedTestAttemptTimeout}

	for attempt := 0; attempt < constants.SpeedTestMaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, constants.SpeedTestAttemptTimeout)
		start := time.Now()

		n, err := attemptProbe(attemptCtx, client, url)
		cancel()

		if err == nil && n == testsize {
			return time.Since(start).Milliseconds(), true
		}
	}
	return 0, false
}

func attemptProbe(ctx context.Context, client *http.Client, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Close = true

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	return io.Copy(io.Discard, resp.Body)
}
