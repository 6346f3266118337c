// Package tor talks to a local Tor daemon: circuit rotation over the control
// port and egress discovery through the SOCKS port.
package tor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"

	"github.com/cretz/bine/control"
	"github.com/vietddude/podmirror/internal/core/domain"
)

// Controller implements identity.ControlChannel against a Tor control port.
// The connection is opened lazily and re-opened after a failure.
type Controller struct {
	cfg    Config
	mu     sync.Mutex
	conn   *control.Conn
	client *http.Client
}

// NewController creates a controller. No connection is made until first use.
func NewController(cfg Config) (*Controller, error) {
	cfg.ApplyDefaults()
	proxyURL, err := url.Parse(cfg.ProxyURL())
	if err != nil {
		return nil, fmt.Errorf("invalid socks address %q: %w", cfg.SocksAddr, err)
	}
	return &Controller{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
			Timeout:   30 * cfg.DialTimeout,
		},
	}, nil
}

func (c *Controller) connect(ctx context.Context) (*control.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", c.cfg.ControlAddr)
	if err != nil {
		return nil, fmt.Errorf("dial tor control %s: %w", c.cfg.ControlAddr, err)
	}
	conn := control.NewConn(textproto.NewConn(raw))
	if err := conn.Authenticate(c.cfg.Password); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("authenticate tor control: %w", err)
	}
	c.conn = conn
	return conn, nil
}

// do runs fn on an authenticated connection, dropping it on error so the
// next call reconnects.
func (c *Controller) do(ctx context.Context, fn func(*control.Conn) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if err := fn(conn); err != nil {
		_ = conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// SetExitRegions pins exit relays to the given country codes. An empty set
// resets ExitNodes and StrictNodes to Tor's defaults.
func (c *Controller) SetExitRegions(ctx context.Context, regions []string) error {
	return c.do(ctx, func(conn *control.Conn) error {
		if len(regions) == 0 {
			return conn.ResetConf(
				control.NewKeyVal("ExitNodes", ""),
				control.NewKeyVal("StrictNodes", ""),
			)
		}
		return conn.SetConf(
			control.NewKeyVal("ExitNodes", ExitNodesValue(regions)),
			control.NewKeyVal("StrictNodes", "1"),
		)
	})
}

// NewIdentity asks Tor for fresh circuits.
func (c *Controller) NewIdentity(ctx context.Context) error {
	return c.do(ctx, func(conn *control.Conn) error {
		return conn.Signal("NEWNYM")
	})
}

// EgressAddress reports the address remote services see through the SOCKS port.
func (c *Controller) EgressAddress(ctx context.Context) (domain.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.EchoURL, nil)
	if err != nil {
		return domain.Identity{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("egress lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Identity{}, fmt.Errorf("egress lookup: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("egress lookup: %w", err)
	}
	return ParseEcho(body)
}

// Close closes the control connection.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// ExitNodesValue renders country codes in torrc ExitNodes syntax: {us},{ca}.
func ExitNodesValue(regions []string) string {
	parts := make([]string, 0, len(regions))
	for _, r := range regions {
		r = strings.ToLower(strings.Trim(strings.TrimSpace(r), "{}"))
		if r == "" {
			continue
		}
		parts = append(parts, "{"+r+"}")
	}
	return strings.Join(parts, ",")
}

// ParseEcho decodes an IP echo response. Both ipinfo.io ("ip", "country")
// and ip-api.com ("query", "countryCode") shapes are accepted.
func ParseEcho(body []byte) (domain.Identity, error) {
	var payload struct {
		IP          string `json:"ip"`
		Query       string `json:"query"`
		Country     string `json:"country"`
		CountryCode string `json:"countryCode"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.Identity{}, fmt.Errorf("parse egress response: %w", err)
	}
	id := domain.Identity{IP: payload.IP, Country: payload.CountryCode}
	if id.IP == "" {
		id.IP = payload.Query
	}
	if id.Country == "" && len(payload.Country) == 2 {
		id.Country = payload.Country
	}
	if id.IP == "" {
		return domain.Identity{}, fmt.Errorf("parse egress response: no address")
	}
	id.Country = strings.ToUpper(id.Country)
	return id, nil
}
