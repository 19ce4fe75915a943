package rpcclient

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/hathnode/hathnode/pkg/codec/cborcanon"
)

// settingsSnapshot is the CBOR-serializable mirror of Settings: net.IP
// doesn't round-trip cleanly through CBOR's default map codec, so the
// whitelist is flattened to strings for storage.
type settingsSnapshot struct {
	ClientPort           uint16   `cbor:"client_port"`
	DiskLimitBytes       uint64   `cbor:"disk_limit_bytes"`
	StaticRange          []string `cbor:"static_range"`
	VerifyCache          bool     `cbor:"verify_cache"`
	RPCServerIPWhitelist []string `cbor:"rpc_server_ip_whitelist"`
	ThrottleBytesPerSec  uint32   `cbor:"throttle_bytes_per_sec"`
}

func toSnapshot(s Settings) settingsSnapshot {
	whitelist := make([]string, len(s.RPCServerIPWhitelist))
	for i, ip := range s.RPCServerIPWhitelist {
		whitelist[i] = ip.String()
	}
	return settingsSnapshot{
		ClientPort:           s.ClientPort,
		DiskLimitBytes:       s.DiskLimitBytes,
		StaticRange:          s.StaticRange,
		VerifyCache:          s.VerifyCache,
		RPCServerIPWhitelist: whitelist,
		ThrottleBytesPerSec:  s.ThrottleBytesPerSec,
	}
}

func (sn settingsSnapshot) toSettings() Settings {
	whitelist := make([]net.IP, 0, len(sn.RPCServerIPWhitelist))
	for _, raw := range sn.RPCServerIPWhitelist {
		if ip := net.ParseIP(raw); ip != nil {
			whitelist = append(whitelist, ip)
		}
	}
	return Settings{
		ClientPort:           sn.ClientPort,
		DiskLimitBytes:       sn.DiskLimitBytes,
		StaticRange:          sn.StaticRange,
		VerifyCache:          sn.VerifyCache,
		RPCServerIPWhitelist: whitelist,
		ThrottleBytesPerSec:  sn.ThrottleBytesPerSec,
	}
}

// SaveSettingsSnapshot persists the node's last-known-good settings to
// path, so a reboot with the coordinator unreachable can still start
// serving under the previous configuration instead of failing closed.
func SaveSettingsSnapshot(path string, s Settings) error {
	data, err := cborcanon.Marshal(toSnapshot(s))
	if err != nil {
		return fmt.Errorf("encoding settings snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing settings snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadSettingsSnapshot reads a snapshot written by SaveSettingsSnapshot. A
// missing file returns the zero Settings and no error.
func LoadSettingsSnapshot(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("reading settings snapshot: %w", err)
	}

	var sn settingsSnapshot
	if err := cborcanon.Unmarshal(data, &sn); err != nil {
		return Settings{}, fmt.Errorf("decoding settings snapshot: %w", err)
	}
	return sn.toSettings(), nil
}

// LoadSettingsSnapshotInto seeds c's cached settings from path, for use at
// startup before the coordinator has been reached.
func (c *Client) LoadSettingsSnapshotInto(path string) error {
	s, err := LoadSettingsSnapshot(path)
	if err != nil {
		return err
	}
	c.settings.Store(&s)
	return nil
}

// SnapshotPath derives the conventional settings.cbor path under dataDir.
func SnapshotPath(dataDir string) string {
	return filepath.Join(dataDir, "settings.cbor")
}
