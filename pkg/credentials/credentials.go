// Package credentials loads the single-line data/client_login file:
// "<id>-<key>", immutable for the process lifetime (§3, §6).
package credentials

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hathnode/hathnode/pkg/nodeerr"
)

// Credentials identifies this node to the coordinator.
type Credentials struct {
	ID  int32
	Key string
}

// Load reads "<dataDir>/client_login" and parses its single "<id>-<key>"
// line. id must be a positive 32-bit integer; key is expected to be 20
// alphanumerics but is not re-validated beyond non-empty, since the
// coordinator is the source of truth for key validity.
func Load(dataDir string) (Credentials, error) {
	path := filepath.Join(dataDir, "client_login")

	f, err := os.Open(path)
	if err != nil {
		return Credentials{}, nodeerr.NewConfigError(err, "opening credential file %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Credentials{}, nodeerr.NewConfigError(err, "reading credential file %s", path)
		}
		return Credentials{}, nodeerr.NewConfigError(nil, "credential file %s is empty", path)
	}

	line := strings.TrimSpace(scanner.Text())
	idStr, key, ok := strings.Cut(line, "-")
	if !ok || idStr == "" || key == "" {
		return Credentials{}, nodeerr.NewConfigError(nil, "malformed credential line in %s, expected <id>-<key>", path)
	}

	id, err := strconv.ParseInt(idStr, 10, 32)
	if err != nil || id <= 0 {
		return Credentials{}, nodeerr.NewConfigError(err, "invalid client id %q in %s", idStr, path)
	}

	return Credentials{ID: int32(id), Key: key}, nil
}

// String never includes the key, so credentials never leak into logs by
// accident via %v/%s formatting.
func (c Credentials) String() string {
	return fmt.Sprintf("client#%d", c.ID)
}
