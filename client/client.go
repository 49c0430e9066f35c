/*
Package client talks to the vending machine's embedded admin panel.

PURPOSE:
  The machine exposes a small password-protected web panel on the local
  network. This client drives the same HTTP surface a browser would: log in
  with the panel password, query the event log for a date range, and leave
  programming mode afterwards so the machine keeps vending.

PROTOCOL NOTES:
  - Sessions are cookie-based; the login response sets the session cookie
    that every later request must carry.
  - The event query endpoint takes a single queryData parameter of the form
    "*|<from>|<to>" with YYYY-MM-DD bounds. The pipe characters must be
    percent-encoded or the panel truncates the parameter.
  - Login is a two-step dance: GET /login establishes the session, then the
    password form posts to /login_check. A wrong password still answers 200;
    failure shows up as an error message in the response body.
  - Logging in flips the machine into programming mode, during which it
    refuses vends. ExitProgramming must run even when the fetch fails.
  - The payload is JSON, either a bare event array or wrapped in an object
    under "events_data" depending on firmware version.

SEE ALSO:
  - pipeline: Feeds the decoded batch into the import run
*/
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sleli/tecnotouch/config"
	"github.com/sleli/tecnotouch/logger"
	"github.com/sleli/tecnotouch/machine"
)

// The panel rejects requests without a browser-looking User-Agent.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// queryDateLayout is the date-bound format of the events query parameter.
const queryDateLayout = "2006-01-02"

// loginFailureMarker is the Italian error text the panel embeds in the login
// response when the password is wrong. The status code stays 200 either way.
const loginFailureMarker = "non sei connesso come amministratore"

// pingTTL bounds how often the reachability probe actually hits the machine.
const pingTTL = 3 * time.Minute

// Client is a session-holding client for one machine.
type Client struct {
	baseURL  string
	password string
	http     *http.Client

	pingMu   sync.Mutex
	pingAt   time.Time
	pingErr  error
	pingSeen bool
}

// New builds a Client from the machine configuration.
func New(cfg config.Machine) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:  "http://" + cfg.IP,
		password: cfg.Password,
		http: &http.Client{
			Timeout: cfg.Timeout(),
			Jar:     jar,
		},
	}, nil
}

// Login authenticates against the panel and stores the session cookie.
// The machine is in programming mode from here until ExitProgramming.
func (c *Client) Login(ctx context.Context) error {
	// The login page must be visited first so the panel hands out the
	// session cookie the credential check is tied to.
	if err := c.get(ctx, "/login"); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	form := url.Values{"password": {c.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/login_check", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", c.baseURL+"/login")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if strings.Contains(string(body), loginFailureMarker) {
		return fmt.Errorf("login failed: panel rejected the password")
	}
	return nil
}

// get issues a session GET against path and discards the body.
func (c *Client) get(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// FetchEvents queries the event log between from and to, inclusive.
// Call Login first; the panel answers an empty page to unauthenticated
// queries rather than an error status.
func (c *Client) FetchEvents(ctx context.Context, from, to time.Time) ([]machine.RawEvent, error) {
	queryData := fmt.Sprintf("*|%s|%s",
		from.Format(queryDateLayout), to.Format(queryDateLayout))

	u := c.baseURL + "/events2_query?queryData=" + url.QueryEscape(queryData)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Referer", c.baseURL+"/events2")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("events query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("events query failed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	events, err := DecodeEvents(body)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debug().
		Int("events", len(events)).
		Str("from", queryData).
		Msg("fetched machine events")
	return events, nil
}

// ExitProgramming takes the machine out of programming mode. Always attempt
// this after a login, even when the fetch failed: a machine stuck in
// programming mode does not sell.
func (c *Client) ExitProgramming(ctx context.Context) error {
	if err := c.get(ctx, "/admin_index_back"); err != nil {
		return fmt.Errorf("exit programming failed: %w", err)
	}
	return nil
}

// Ping probes machine reachability, caching the outcome for a few minutes
// so dashboard polls do not hammer the panel.
func (c *Client) Ping(ctx context.Context) error {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()

	if c.pingSeen && time.Since(c.pingAt) < pingTTL {
		return c.pingErr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	c.pingSeen = true
	c.pingAt = time.Now()
	c.pingErr = err
	return err
}

// =============================================================================
// PAYLOAD DECODING
// =============================================================================

// eventsEnvelope is the wrapped payload shape of newer firmware.
type eventsEnvelope struct {
	EventsData []machine.RawEvent `json:"events_data"`
}

// DecodeEvents parses an event payload, accepting both the bare-array and
// the enveloped shape. An empty batch yields machine.ErrNoEvents.
func DecodeEvents(data []byte) ([]machine.RawEvent, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, machine.ErrNoEvents
	}

	var events []machine.RawEvent
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
	} else {
		var env eventsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
		events = env.EventsData
	}

	if len(events) == 0 {
		return nil, machine.ErrNoEvents
	}
	return events, nil
}

// LoadFile reads a saved event export from disk, in either payload shape.
func LoadFile(path string) ([]machine.RawEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read events file %s: %w", path, err)
	}
	return DecodeEvents(data)
}
