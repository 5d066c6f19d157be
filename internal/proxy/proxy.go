// Package proxy turns a worker's proxy settings into an HTTP transport and
// checks that a proxy actually forwards traffic.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"

	"pkt.systems/sessiond/internal/clock"
)

// Type names a proxy protocol.
type Type string

const (
	TypeHTTP   Type = "http"
	TypeHTTPS  Type = "https"
	TypeSOCKS5 Type = "socks5"
	TypeSOCKS4 Type = "socks4"
)

// DefaultTestEndpoint echoes the caller's origin address as JSON.
const DefaultTestEndpoint = "https://httpbin.org/ip"

// DefaultTestTimeout bounds a proxy test.
const DefaultTestTimeout = 15 * time.Second

// Config describes one proxy.
type Config struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Type     Type   `yaml:"type" json:"type"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Validate checks an enabled config. Disabled configs are always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch Type(strings.ToLower(string(c.Type))) {
	case TypeHTTP, TypeHTTPS, TypeSOCKS5:
	case TypeSOCKS4:
		return fmt.Errorf("proxy: socks4 is not supported")
	default:
		return fmt.Errorf("proxy: unknown type %q", c.Type)
	}
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("proxy: host required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("proxy: port %d out of range", c.Port)
	}
	if c.Password != "" && c.Username == "" {
		return fmt.Errorf("proxy: password set without username")
	}
	return nil
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL renders the config as a proxy URL, credentials included.
func (c Config) URL() (*url.URL, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	u := &url.URL{Scheme: strings.ToLower(string(c.Type)), Host: c.addr()}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u, nil
}

// Redacted renders the URL with the password masked, for logs.
func (c Config) Redacted() string {
	if !c.Enabled {
		return "direct"
	}
	u, err := c.URL()
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}

// Transport returns an http.Transport routed through the proxy. A disabled
// config yields a direct transport.
func (c Config) Transport() (*http.Transport, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if !c.Enabled {
		tr.Proxy = nil
		return tr, nil
	}
	u, err := c.URL()
	if err != nil {
		return nil, err
	}
	switch Type(u.Scheme) {
	case TypeHTTP, TypeHTTPS:
		tr.Proxy = http.ProxyURL(u)
	case TypeSOCKS5:
		var auth *xproxy.Auth
		if c.Username != "" {
			auth = &xproxy.Auth{User: c.Username, Password: c.Password}
		}
		dialer, err := xproxy.SOCKS5("tcp", c.addr(), auth, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("proxy: socks5 dialer: %w", err)
		}
		cd, ok := dialer.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("proxy: socks5 dialer lacks context support")
		}
		tr.Proxy = nil
		tr.DialContext = cd.DialContext
	}
	return tr, nil
}

// HTTPClient returns a client using Transport with the given timeout.
func (c Config) HTTPClient(timeout time.Duration) (*http.Client, error) {
	tr, err := c.Transport()
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: tr, Timeout: timeout}, nil
}

// Result is the outcome of a proxy test.
type Result struct {
	OK      bool          `json:"ok"`
	Proxy   string        `json:"proxy"`
	Origin  string        `json:"origin,omitempty"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// TestOptions tune Test.
type TestOptions struct {
	Endpoint string
	Timeout  time.Duration
	Clock    clock.Clock
}

// Test fetches the echo endpoint through cfg and reports the origin address
// the endpoint saw. Failures are reported in the Result, not as an error.
func Test(ctx context.Context, cfg Config, opts TestOptions) Result {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultTestEndpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTestTimeout
	}
	clk := clock.Or(opts.Clock)
	res := Result{Proxy: cfg.Redacted()}
	client, err := cfg.HTTPClient(opts.Timeout)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer client.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.Endpoint, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	start := clk.Now()
	resp, err := client.Do(req)
	res.Latency = clk.Now().Sub(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if resp.StatusCode != http.StatusOK {
		res.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return res
	}
	var echo struct {
		Origin string `json:"origin"`
	}
	if err := json.Unmarshal(body, &echo); err != nil {
		res.Error = fmt.Sprintf("decode echo response: %v", err)
		return res
	}
	res.OK = true
	res.Origin = echo.Origin
	return res
}
