// Package negotiate talks to the host's HTTP control service: pairing state,
// app list, launch and quit. Responses are XML and are parsed as a token
// stream.
package negotiate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/chronologos/gstream/internal/identity"
	"github.com/chronologos/gstream/internal/protocol"
)

// App is one entry of the host's application list.
type App struct {
	Name    string
	ID      int
	Running bool
}

// LaunchParams are the stream settings sent with a launch request.
type LaunchParams struct {
	Width  int
	Height int
	FPS    int
	// RIKey is the remote-input key the host uses to decrypt input packets.
	RIKey identity.RemoteInputKey
}

func (p LaunchParams) mode() string {
	return fmt.Sprintf("%dx%dx%d", p.Width, p.Height, p.FPS)
}

type Options struct {
	Host       string
	Port       int // 0 means protocol.PortHTTP
	UniqueID   string
	MAC        string
	DeviceName string
	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is a single-attempt request/response client; it never retries.
type Client struct {
	baseURL    string
	uniqueID   string
	mac        string
	deviceName string
	http       *http.Client
	log        *slog.Logger
}

func NewClient(opts Options) *Client {
	port := opts.Port
	if port == 0 {
		port = protocol.PortHTTP
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		baseURL:    "http://" + net.JoinHostPort(opts.Host, strconv.Itoa(port)),
		uniqueID:   opts.UniqueID,
		mac:        opts.MAC,
		deviceName: opts.DeviceName,
		http:       hc,
		log:        logger.With("component", "negotiate"),
	}
}

// NewClientURL points the client at an explicit base URL. Used with
// httptest servers.
func NewClientURL(baseURL string, opts Options) *Client {
	c := NewClient(opts)
	c.baseURL = baseURL
	return c
}

// get issues GET baseURL+path?query and hands the body to parse.
func (c *Client) get(ctx context.Context, path string, query url.Values, parse func(io.Reader) error) error {
	if c.uniqueID != "" {
		query.Set("uniqueid", c.uniqueID)
	}
	u := c.baseURL + path + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %v", protocol.ErrNetwork, path, err)
	}
	defer resp.Body.Close()
	c.log.Debug("request", "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET %s: http %d", protocol.ErrProtocol, path, resp.StatusCode)
	}
	return parse(resp.Body)
}

// PairState reports whether the host trusts this client. A missing or
// non-numeric <paired> field is a protocol error.
func (c *Client) PairState(ctx context.Context) (bool, error) {
	var paired int64
	err := c.get(ctx, "/pairstate", url.Values{"mac": {c.mac}}, func(r io.Reader) error {
		var err error
		paired, err = findInt(r, "paired")
		return err
	})
	if err != nil {
		return false, err
	}
	return paired != 0, nil
}

// SessionID requests a session for this device. Zero means the user at the
// host declined; that is a valid answer, not an error.
func (c *Client) SessionID(ctx context.Context) (int64, error) {
	var id int64
	q := url.Values{"mac": {c.mac}, "devicename": {c.deviceName}}
	err := c.get(ctx, "/pair", q, func(r io.Reader) error {
		var err error
		id, err = findInt(r, "sessionid")
		return err
	})
	return id, err
}

// AppList returns the host's applications. Malformed entries are skipped.
func (c *Client) AppList(ctx context.Context, sessionID int64) ([]App, error) {
	var apps []App
	q := url.Values{"session": {strconv.FormatInt(sessionID, 10)}}
	err := c.get(ctx, "/applist", q, func(r io.Reader) error {
		var err error
		apps, err = parseAppList(r)
		return err
	})
	return apps, err
}

// LaunchApp starts appID on the host and returns the game session handle
// used by the handshake and control channel.
func (c *Client) LaunchApp(ctx context.Context, sessionID int64, appID int, p LaunchParams) (uint32, error) {
	q := url.Values{
		"session": {strconv.FormatInt(sessionID, 10)},
		"appid":   {strconv.Itoa(appID)},
		"mode":    {p.mode()},
		"rikey":   {p.RIKey.HexKey()},
		"rikeyid": {strconv.FormatUint(uint64(p.RIKey.ID), 10)},
	}
	return c.gameSession(ctx, "/launch", q, "gamesession")
}

// ResumeApp reattaches to an app that is already running on the host.
func (c *Client) ResumeApp(ctx context.Context, sessionID int64, p LaunchParams) (uint32, error) {
	q := url.Values{
		"session": {strconv.FormatInt(sessionID, 10)},
		"mode":    {p.mode()},
		"rikey":   {p.RIKey.HexKey()},
		"rikeyid": {strconv.FormatUint(uint64(p.RIKey.ID), 10)},
	}
	return c.gameSession(ctx, "/resume", q, "resume")
}

func (c *Client) gameSession(ctx context.Context, path string, q url.Values, field string) (uint32, error) {
	var gs int64
	err := c.get(ctx, path, q, func(r io.Reader) error {
		var err error
		gs, err = findInt(r, field)
		return err
	})
	if err != nil {
		return 0, err
	}
	if gs <= 0 || gs > 1<<32-1 {
		return 0, fmt.Errorf("%w: host refused %s (game session %d)", protocol.ErrProtocol, path, gs)
	}
	return uint32(gs), nil
}

// QuitApp stops the running app on the host.
func (c *Client) QuitApp(ctx context.Context, sessionID int64) error {
	var cancelled int64
	q := url.Values{"session": {strconv.FormatInt(sessionID, 10)}}
	err := c.get(ctx, "/cancel", q, func(r io.Reader) error {
		var err error
		cancelled, err = findInt(r, "cancel")
		return err
	})
	if err != nil {
		return err
	}
	if cancelled == 0 {
		return fmt.Errorf("%w: host refused to quit the running app", protocol.ErrProtocol)
	}
	return nil
}

// AppVersion returns the host's GameStream version string.
func (c *Client) AppVersion(ctx context.Context) (string, error) {
	var v string
	err := c.get(ctx, "/appversion", url.Values{}, func(r io.Reader) error {
		var err error
		v, err = findField(r, "appversion")
		return err
	})
	return v, err
}

// FindApp picks an app by id when id is non-zero, otherwise by exact name.
func FindApp(apps []App, id int, name string) (App, bool) {
	for _, a := range apps {
		if id != 0 && a.ID == id {
			return a, true
		}
		if id == 0 && a.Name == name {
			return a, true
		}
	}
	return App{}, false
}
