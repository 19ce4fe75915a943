package httpserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/unicode/norm"

	"github.com/hathnode/hathnode/pkg/constants"
	"github.com/hathnode/hathnode/pkg/digest"
	"github.com/hathnode/hathnode/pkg/fetch"
	"github.com/hathnode/hathnode/pkg/fileid"
	"github.com/hathnode/hathnode/pkg/logging"
	"github.com/hathnode/hathnode/pkg/nodeerr"
)

// handleImageServe implements route 1 of §4.F: cache lookup, then
// on-miss fetch, with a keystamp signature and drift check gating access.
// The response status line is never written until the bytes behind it are
// known good: a fetch that exhausts every hint before a byte is read still
// gets a 404/502, not a 200 with an empty body.
func (s *Server) handleImageServe(w http.ResponseWriter, r *http.Request) {
	id, err := fileid.Parse(chi.URLParam(r, "fileid"))
	if err != nil {
		http.Error(w, "bad fileid", http.StatusBadRequest)
		return
	}

	additional := parseAdditional(chi.URLParam(r, "additional"))
	if !s.verifyKeystamp(id, additional["keystamp"]) {
		w.WriteHeader(nodeerr.Forbidden.HTTPStatus())
		return
	}

	w.Header().Set("Content-Type", id.Format.ContentType())
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	if filename := normalizedFilename(chi.URLParam(r, "filename")); filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, filename))
	}

	limiter := newLimiter(s.deps.RPC.Settings().ThrottleBytesPerSec)
	out := newThrottledWriter(r.Context(), w, limiter)

	if s.serveCached(r.Context(), id, w, out) {
		return
	}

	hints := sourceHints(additional, s.deps.Creds.Key)
	if len(hints) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if err := s.deps.Fetcher.Ensure(r.Context(), id, hints); err != nil {
		s.deps.Log.Debug("fetch failed", logging.F("fileid", id.String()), logging.F("err", err.Error()))
		w.WriteHeader(statusForFetchErr(err))
		return
	}

	if !s.serveCached(r.Context(), id, w, out) {
		w.WriteHeader(http.StatusNotFound)
	}
}

// serveCached writes the 200 status line and streams id's bytes from the
// cache, reporting whether id was found. Callers must not have written any
// header before calling this.
func (s *Server) serveCached(ctx context.Context, id fileid.FileId, w http.ResponseWriter, out io.Writer) bool {
	rh, ok := s.deps.Store.Lookup(id)
	if !ok {
		return false
	}
	defer rh.Close()

	w.Header().Set("Content-Length", strconv.FormatUint(uint64(id.Size), 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(out, rh); err != nil {
		classified := classifyStreamErr(ctx, err)
		s.deps.Log.Debug("streaming to client", logging.F("fileid", id.String()), logging.F("err", classified.Error()))
	}
	return true
}

// statusForFetchErr maps a Fetcher.Ensure failure to a response status:
// nodeerr kinds carry their own HTTP mapping, anything else (a raw network
// error) is treated as a bad upstream.
func statusForFetchErr(err error) int {
	if ne, ok := err.(*nodeerr.Error); ok {
		return ne.Kind.HTTPStatus()
	}
	return http.StatusBadGateway
}

// classifyStreamErr distinguishes a client that timed out from one that
// simply disconnected, for logging; by the time this runs the response
// status is already committed, so neither case can change what the client
// sees.
func classifyStreamErr(ctx context.Context, err error) *nodeerr.Error {
	if ctx.Err() != nil {
		return nodeerr.NewClientTimeout("client deadline exceeded mid-response: %v", err)
	}
	return nodeerr.NewClientDisconnect("client disconnected mid-response: %v", err)
}

// verifyKeystamp validates "keystamp=<epoch>-<digest>": the digest must
// equal digest(epoch-fileid-clientkey-hotlinkthis) and epoch must be
// within ±MaxKeyTimeDrift of the node's own clock.
func (s *Server) verifyKeystamp(id fileid.FileId, keystamp string) bool {
	epochStr, sig, ok := strings.Cut(keystamp, "-")
	if !ok {
		return false
	}
	epoch, err := strconv.ParseInt(epochStr, 10, 64)
	if err != nil {
		return false
	}

	drift := time.Since(time.Unix(epoch, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > constants.MaxKeyTimeDrift {
		return false
	}

	template := fmt.Sprintf("%d-%s-%s-hotlinkthis", epoch, id.String(), s.deps.Creds.Key)
	return digest.Verify(template, sig)
}

// sourceHints extracts source fetch hints from the additional field's
// "rpcserver" key: a comma-separated list of host:port pairs supplied
// by the coordinator for this specific object, authenticated with this
// node's own client key.
func sourceHints(additional map[string]string, clientKey string) []fetch.Hint {
	raw := additional["rpcserver"]
	if raw == "" {
		return nil
	}

	var hints []fetch.Hint
	for _, entry := range strings.Split(raw, ",") {
		host, portStr, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			continue
		}
		hints = append(hints, fetch.Hint{Host: host, Port: uint16(port), Key: clientKey})
	}
	return hints
}

// normalizedFilename NFC-normalizes the requested display filename and
// strips characters that would break the Content-Disposition header
// (quotes, control characters), so differently-composed unicode variants
// of the same name don't produce visibly different downloads.
func normalizedFilename(raw string) string {
	name := norm.NFC.String(raw)
	var b strings.Builder
	for _, r := range name {
		if r == '"' || r == '\\' || r < 0x20 {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
