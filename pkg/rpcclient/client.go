package rpcclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hathnode/hathnode/pkg/constants"
	"github.com/hathnode/hathnode/pkg/credentials"
	"github.com/hathnode/hathnode/pkg/digest"
	"github.com/hathnode/hathnode/pkg/logging"
	"github.com/hathnode/hathnode/pkg/nodeerr"
)

// Client issues signed calls to the coordinator's RPC endpoint.
type Client struct {
	httpClient  *http.Client
	rpcBase     string
	creds       credentials.Credentials
	log         logging.Logger
	clockOffset atomic.Int64 // nanoseconds, coordinator time minus local time

	settings atomic.Pointer[Settings]
}

// New constructs a Client. The clock offset is zero until Login populates
// it from the coordinator's first response.
func New(rpcBase string, creds credentials.Credentials, log logging.Logger) *Client {
	if log == nil {
		log = logging.Nop{}
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		rpcBase:    strings.TrimRight(rpcBase, "/"),
		creds:      creds,
		log:        log,
	}
	c.settings.Store(&Settings{})
	return c
}

// Settings returns the most recently cached settings snapshot.
func (c *Client) Settings() Settings {
	return *c.settings.Load()
}

// now returns the coordinator-adjusted time, used for acttime/keystamp
// fields so locally-generated signatures match the coordinator's clock.
func (c *Client) now() time.Time {
	return time.Now().Add(time.Duration(c.clockOffset.Load()))
}

// sign builds the RPC key for action/add per §4.C:
// digest("hentai@home-{action}-{add}-{id}-{T}-{clientkey}").
func (c *Client) sign(action, add string, t int64) string {
	template := fmt.Sprintf("hentai@home-%s-%s-%d-%d-%s", action, add, c.creds.ID, t, c.creds.Key)
	return digest.Sign(template)
}

// call issues one signed RPC request with retry and backoff, returning the
// raw response body lines. add may be empty.
func (c *Client) call(ctx context.Context, action, add string) ([]string, error) {
	t := c.now().Unix()
	key := c.sign(action, add, t)

	q := url.Values{}
	q.Set("clientbuild", strconv.Itoa(constants.RPCProtocolVersion))
	q.Set("action", action)
	q.Set("add", add)
	q.Set("cid", strconv.Itoa(int(c.creds.ID)))
	q.Set("acttime", strconv.FormatInt(t, 10))
	q.Set("actkey", key)

	endpoint := fmt.Sprintf("%s/%s/rpc?%s", c.rpcBase, constants.RPCAPIVersion, q.Encode())

	var lastErr error
	backoff := constants.RPCBackoffBase
	for attempt := 1; attempt <= constants.RPCMaxAttempts; attempt++ {
		lines, err := c.doOnce(ctx, endpoint)
		if err == nil {
			return lines, nil
		}

		if ne, ok := err.(*nodeerr.Error); ok && ne.Kind == nodeerr.CoordinatorFatal {
			return nil, err
		}

		lastErr = err
		c.log.Debug("rpc attempt failed", logging.F("action", action), logging.F("attempt", attempt), logging.F("err", err.Error()))

		if attempt < constants.RPCMaxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, nodeerr.NewCoordinatorTransient(lastErr, "rpc action %q exhausted %d attempts", action, constants.RPCMaxAttempts)
}

func (c *Client) doOnce(ctx context.Context, endpoint string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nodeerr.NewCoordinatorTransient(err, "rpc request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, nodeerr.NewCoordinatorTransient(nil, "rpc returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc returned status %d", resp.StatusCode)
	}

	lines, err := readLines(resp.Body)
	if err != nil {
		return nil, nodeerr.NewCoordinatorTransient(err, "reading rpc response")
	}

	if len(lines) == 0 {
		return nil, nodeerr.NewCoordinatorTransient(nil, "empty rpc response")
	}

	first := lines[0]
	switch {
	case strings.HasPrefix(first, "KEY_EXPIRED"):
		return nil, nodeerr.NewCoordinatorFatal("coordinator reports KEY_EXPIRED")
	case strings.HasPrefix(first, "FAIL_CONNECT_TEST"):
		return nil, nodeerr.NewCoordinatorFatal("coordinator reports FAIL_CONNECT_TEST")
	case first != "OK":
		return nil, fmt.Errorf("rpc error response: %s", first)
	}

	return lines[1:], nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
