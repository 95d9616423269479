// Package security implements the stateless request-time checks applied at
// the transport boundary before any protocol handling runs: origin
// validation against an allow-list (DNS-rebinding protection), remote IP
// allow-listing, and MCP protocol version negotiation.
package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/contexthost/mcprt/mcp"
)

// ErrOriginForbidden indicates the request's origin did not match the
// configured allow-list.
var ErrOriginForbidden = errors.New("security: origin not allowed")

// ErrRemoteAddrForbidden indicates the request's remote IP did not match the
// configured allow-list.
var ErrRemoteAddrForbidden = errors.New("security: remote address not allowed")

// ProtocolVersionError reports an unsupported Mcp-Protocol-Version header.
// Expected carries the single version this server speaks so transports can
// include it in the error payload.
type ProtocolVersionError struct {
	Got      string
	Expected string
}

func (e *ProtocolVersionError) Error() string {
	return fmt.Sprintf("security: unsupported protocol version %q (expected %q)", e.Got, e.Expected)
}

// Config describes the gate's allow-lists. A zero value allows everything.
type Config struct {
	// AllowedOrigins is a list of exact hostnames matched case-insensitively
	// against the request's effective origin host.
	AllowedOrigins []string

	// AllowedOriginPatterns are regular expressions matched against the
	// effective origin host.
	AllowedOriginPatterns []*regexp.Regexp

	// LocalhostOnly restricts remote addresses to loopback.
	LocalhostOnly bool

	// AllowedIPs lists permitted remote IPs or CIDR blocks. Checked
	// independently of the origin check.
	AllowedIPs []string
}

// Gate evaluates requests against a Config. It is immutable after
// construction and safe for concurrent use.
type Gate struct {
	origins  map[string]struct{}
	patterns []*regexp.Regexp
	ipNets   []*net.IPNet
	ips      []net.IP
	ipGated  bool
}

// NewGate compiles the configuration. Invalid CIDR entries are reported as an
// error rather than silently dropped.
func NewGate(cfg Config) (*Gate, error) {
	g := &Gate{
		origins:  make(map[string]struct{}, len(cfg.AllowedOrigins)),
		patterns: cfg.AllowedOriginPatterns,
	}
	for _, o := range cfg.AllowedOrigins {
		g.origins[strings.ToLower(o)] = struct{}{}
	}

	g.ipGated = cfg.LocalhostOnly || len(cfg.AllowedIPs) > 0
	if cfg.LocalhostOnly {
		g.ips = append(g.ips, net.IPv4(127, 0, 0, 1), net.IPv6loopback)
	}
	for _, entry := range cfg.AllowedIPs {
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("security: invalid CIDR %q: %w", entry, err)
			}
			g.ipNets = append(g.ipNets, ipNet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("security: invalid IP %q", entry)
		}
		g.ips = append(g.ips, ip)
	}
	return g, nil
}

// RequestInfo carries the request attributes the gate inspects.
type RequestInfo struct {
	Origin          string
	Referer         string
	Host            string
	RemoteAddr      string
	ProtocolVersion string
}

// InfoFromRequest extracts RequestInfo from an HTTP request.
func InfoFromRequest(r *http.Request) RequestInfo {
	return RequestInfo{
		Origin:          r.Header.Get("Origin"),
		Referer:         r.Header.Get("Referer"),
		Host:            r.Host,
		RemoteAddr:      r.RemoteAddr,
		ProtocolVersion: r.Header.Get(mcp.ProtocolVersionHeader),
	}
}

// Check applies origin, IP, and protocol-version validation in that order and
// returns nil when the request may proceed.
func (g *Gate) Check(info RequestInfo) error {
	if err := g.checkOrigin(info); err != nil {
		return err
	}
	if err := g.checkRemoteAddr(info.RemoteAddr); err != nil {
		return err
	}
	return g.checkProtocolVersion(info.ProtocolVersion)
}

// checkOrigin matches the first present of Origin, Referer, Host against the
// allow-list. With no allow-list configured every origin passes.
func (g *Gate) checkOrigin(info RequestInfo) error {
	if len(g.origins) == 0 && len(g.patterns) == 0 {
		return nil
	}

	candidate := info.Origin
	if candidate == "" {
		candidate = info.Referer
	}
	if candidate == "" {
		candidate = info.Host
	}
	if candidate == "" {
		return ErrOriginForbidden
	}

	host := originHost(candidate)
	if _, ok := g.origins[host]; ok {
		return nil
	}
	for _, re := range g.patterns {
		if re.MatchString(host) {
			return nil
		}
	}
	return ErrOriginForbidden
}

func (g *Gate) checkRemoteAddr(remoteAddr string) error {
	if !g.ipGated {
		return nil
	}

	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ErrRemoteAddrForbidden
	}

	for _, allowed := range g.ips {
		if allowed.Equal(ip) {
			return nil
		}
	}
	for _, ipNet := range g.ipNets {
		if ipNet.Contains(ip) {
			return nil
		}
	}
	return ErrRemoteAddrForbidden
}

// checkProtocolVersion is lenient about an absent header but strict about a
// mismatched one.
func (g *Gate) checkProtocolVersion(version string) error {
	if version == "" || version == mcp.LatestProtocolVersion {
		return nil
	}
	return &ProtocolVersionError{Got: version, Expected: mcp.LatestProtocolVersion}
}

// originHost reduces an Origin/Referer URL or bare host:port to a lower-cased
// hostname for matching.
func originHost(value string) string {
	if strings.Contains(value, "://") {
		if u, err := url.Parse(value); err == nil && u.Hostname() != "" {
			return strings.ToLower(u.Hostname())
		}
	}
	if h, _, err := net.SplitHostPort(value); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(value)
}
