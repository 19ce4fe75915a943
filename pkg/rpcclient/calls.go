package rpcclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/pkcs12"

	"github.com/hathnode/hathnode/pkg/fileid"
	"github.com/hathnode/hathnode/pkg/nodeerr"
)

// parseKV parses "key=value" lines into a map, ignoring malformed lines.
func parseKV(lines []string) map[string]string {
	m := make(map[string]string, len(lines))
	for _, line := range lines {
		k, v, ok := strings.Cut(line, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}

func parseSettingsKV(m map[string]string) Settings {
	var s Settings

	if v, err := strconv.ParseUint(m["client_port"], 10, 16); err == nil {
		s.ClientPort = uint16(v)
	}
	if v, err := strconv.ParseUint(m["disk_limit_bytes"], 10, 64); err == nil {
		s.DiskLimitBytes = v
	}
	if raw := m["static_range"]; raw != "" {
		s.StaticRange = strings.Split(raw, ",")
	}
	s.VerifyCache = m["verify_cache"] == "true" || m["verify_cache"] == "1"
	if raw := m["rpc_server_ip_whitelist"]; raw != "" {
		for _, ipStr := range strings.Split(raw, ",") {
			if ip := net.ParseIP(strings.TrimSpace(ipStr)); ip != nil {
				s.RPCServerIPWhitelist = append(s.RPCServerIPWhitelist, ip)
			}
		}
	}
	if v, err := strconv.ParseUint(m["throttle_bytes_per_sec"], 10, 32); err == nil {
		s.ThrottleBytesPerSec = uint32(v)
	}
	return s
}

// Login establishes a session, computing the coordinator clock offset from
// server_time and caching the returned settings snapshot.
func (c *Client) Login(ctx context.Context) (LoginResult, error) {
	lines, err := c.call(ctx, "client_login", "")
	if err != nil {
		return LoginResult{}, err
	}
	kv := parseKV(lines)

	if st, err := strconv.ParseInt(kv["server_time"], 10, 64); err == nil {
		c.clockOffset.Store(int64(time.Unix(st, 0).Sub(time.Now())))
	}

	result := LoginResult{
		ClockOffset: time.Duration(c.clockOffset.Load()),
		Settings:    parseSettingsKV(kv),
	}
	if raw := kv["server_list"]; raw != "" {
		result.ServerList = strings.Split(raw, ",")
	}

	c.settings.Store(&result.Settings)
	return result, nil
}

// GetCert fetches a fresh PKCS#12 identity bundle, password-protected by
// the node's own client key.
func (c *Client) GetCert(ctx context.Context) (Cert, error) {
	lines, err := c.call(ctx, "get_cert", "")
	if err != nil {
		return Cert{}, err
	}
	kv := parseKV(lines)

	raw, err := base64.StdEncoding.DecodeString(kv["pfx_base64"])
	if err != nil {
		return Cert{}, fmt.Errorf("decoding pfx payload: %w", err)
	}

	key, leaf, chain, err := pkcs12.DecodeChain(raw, c.creds.Key)
	if err != nil {
		return Cert{}, fmt.Errorf("decoding pkcs12 bundle: %w", err)
	}

	return Cert{
		Leaf:       leaf,
		PrivateKey: key,
		Chain:      chain,
		NotAfter:   leaf.NotAfter,
	}, nil
}

// RefreshSettings re-fetches and caches the settings snapshot.
func (c *Client) RefreshSettings(ctx context.Context) (Settings, error) {
	lines, err := c.call(ctx, "client_settings", "")
	if err != nil {
		return Settings{}, err
	}
	s := parseSettingsKV(parseKV(lines))
	c.settings.Store(&s)
	return s, nil
}

// StillAlive sends the keep-alive; resumed marks a reconnect after an
// unplanned disconnect rather than a fresh boot.
func (c *Client) StillAlive(ctx context.Context, resumed bool) error {
	add := "0"
	if resumed {
		add = "1"
	}
	_, err := c.call(ctx, "still_alive", add)
	return err
}

// GetPurgeList returns FileIds the coordinator wants deleted, covering the
// trailing window of the given duration.
func (c *Client) GetPurgeList(ctx context.Context, window time.Duration) ([]fileid.FileId, error) {
	lines, err := c.call(ctx, "get_purgelist", strconv.FormatInt(int64(window/time.Second), 10))
	if err != nil {
		return nil, err
	}

	ids := make([]fileid.FileId, 0, len(lines))
	for _, line := range lines {
		id, parseErr := fileid.Parse(line)
		if parseErr != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ConnectCheck is the post-boot handshake confirming the node is publicly
// reachable on its configured port.
func (c *Client) ConnectCheck(ctx context.Context) error {
	_, err := c.call(ctx, "connect_check", "")
	if err != nil {
		return nodeerr.NewCoordinatorFatal("connect check failed: %v", err)
	}
	return nil
}

// IsValidRPCServer asks the coordinator whether ip is one of its RPC
// servers. The servercmd handler does not call it; it checks the cached
// rpc_server_ip_whitelist setting instead.
func (c *Client) IsValidRPCServer(ctx context.Context, ip net.IP) (bool, error) {
	lines, err := c.call(ctx, "is_valid_rpc_server", ip.String())
	if err != nil {
		return false, err
	}
	return len(lines) > 0 && strings.EqualFold(strings.TrimSpace(lines[0]), "YES"), nil
}

// Shutdown is a best-effort "I am leaving" notification sent during
// graceful shutdown; transient failures get call's usual retries, and a
// final failure is ignored.
func (c *Client) Shutdown(ctx context.Context) {
	_, _ = c.call(ctx, "client_shutdown", "")
}
