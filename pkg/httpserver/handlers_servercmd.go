package httpserver

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hathnode/hathnode/pkg/constants"
	"github.com/hathnode/hathnode/pkg/digest"
	"github.com/hathnode/hathnode/pkg/logging"
	"github.com/hathnode/hathnode/pkg/nodeerr"
)

// handleServerCommand implements route 2 of §4.F: coordinator commands,
// authenticated by peer-IP whitelist membership plus a signed key/time.
func (s *Server) handleServerCommand(w http.ResponseWriter, r *http.Request) {
	if !s.peerIsWhitelisted(r) {
		s.rejectServerCommand(w, "peer %s is not in rpc_server_ip_whitelist", r.RemoteAddr)
		return
	}

	command := chi.URLParam(r, "command")
	additional := chi.URLParam(r, "additional")
	timeStr := chi.URLParam(r, "time")
	key := chi.URLParam(r, "key")

	t, err := strconv.ParseInt(timeStr, 10, 64)
	if err != nil {
		s.rejectServerCommand(w, "servercmd time field %q is not an integer", timeStr)
		return
	}
	drift := time.Since(time.Unix(t, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > constants.MaxKeyTimeDrift {
		s.rejectServerCommand(w, "servercmd timestamp drifted %s beyond the allowed window", drift)
		return
	}

	template := fmt.Sprintf("hentai@home-servercmd-%s-%s-%d-%d-%s", command, additional, s.deps.Creds.ID, t, s.deps.Creds.Key)
	if !digest.Verify(template, key) {
		s.rejectServerCommand(w, "servercmd signature mismatch for command %q", command)
		return
	}

	kind, ok := ParseCommandKind(command)
	if !ok {
		fmt.Fprint(w, "INVALID_COMMAND")
		return
	}

	if kind == CommandSpeedTest || kind == CommandThreadedProxyTest {
		s.handleSpeedTestCommand(w, r, additional)
		return
	}

	if kind == CommandStillAlive {
		fmt.Fprint(w, "I feel FANTASTIC and I'm still alive")
		return
	}

	if s.deps.Commands != nil {
		select {
		case s.deps.Commands <- Command{Kind: kind, Additional: additional}:
		default:
			// Bounded command channel: commands are coordinator-idempotent,
			// so dropping one when the control loop is already busy is fine.
		}
	}

	fmt.Fprint(w, "OK")
}

// rejectServerCommand logs the reason for a servercmd rejection and
// replies with the status the Forbidden kind maps to.
func (s *Server) rejectServerCommand(w http.ResponseWriter, format string, args ...any) {
	err := nodeerr.NewForbidden(format, args...)
	s.deps.Log.Debug("servercmd rejected", logging.F("err", err.Error()))
	w.WriteHeader(err.Kind.HTTPStatus())
}

// peerIsWhitelisted checks the request's remote IP against the cached
// rpc_server_ip_whitelist setting.
func (s *Server) peerIsWhitelisted(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil {
		return false
	}

	whitelist := s.deps.RPC.Settings().RPCServerIPWhitelist
	for _, ip := range whitelist {
		if ip.Equal(peer) {
			return true
		}
	}
	return false
}
