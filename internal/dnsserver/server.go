// Package dnsserver answers DNS queries from VPN clients using the policy
// engines: overrides are answered locally, blocked names are sinkholed and
// everything else is forwarded upstream.
package dnsserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/metrics"

	"github.com/charmbracelet/log"
	"github.com/miekg/dns"
)

const (
	DefaultTTL             = 60
	DefaultUpstreamTimeout = 5 * time.Second
	shutdownTimeout        = 5 * time.Second
)

type Resolver interface {
	Resolve(d string, userID *uint) (string, bool)
}

type Blocker interface {
	IsBlocked(d string, userID, nodeID *uint) bool
}

// ClientMapper maps a client address to the user currently connected from it.
type ClientMapper interface {
	UserForIP(ip string) (uint, bool)
}

// Exchanger sends a query upstream. *dns.Client satisfies it.
type Exchanger interface {
	Exchange(m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

type Config struct {
	ListenAddr string
	Upstream   string
	// NodeID scopes block lookups to the node this responder runs on.
	NodeID          *uint
	TTL             uint32
	UpstreamTimeout time.Duration
}

type Server struct {
	cfg      Config
	resolver Resolver
	blocker  Blocker
	clients  ClientMapper
	upstream Exchanger
	logger   *log.Logger

	mu      sync.Mutex
	servers []*dns.Server
}

type Option func(*Server)

func WithResolver(r Resolver) Option {
	return func(s *Server) {
		s.resolver = r
	}
}

func WithBlocker(b Blocker) Option {
	return func(s *Server) {
		s.blocker = b
	}
}

func WithClientMapper(m ClientMapper) Option {
	return func(s *Server) {
		s.clients = m
	}
}

func WithExchanger(x Exchanger) Option {
	return func(s *Server) {
		s.upstream = x
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(cfg Config, opts ...Option) *Server {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if cfg.Upstream != "" {
		if _, _, err := net.SplitHostPort(cfg.Upstream); err != nil {
			cfg.Upstream = net.JoinHostPort(cfg.Upstream, "53")
		}
	}

	s := &Server{
		cfg:    cfg,
		logger: log.Default().WithPrefix("dns"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.upstream == nil {
		s.upstream = &dns.Client{Timeout: cfg.UpstreamTimeout}
	}
	return s
}

func (s *Server) String() string {
	return "dns-responder"
}

// ServeDNS implements dns.Handler.
func (s *Server) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	resp := s.Answer(req, remoteIP(w.RemoteAddr()))
	if err := w.WriteMsg(resp); err != nil {
		s.logger.Debug("Failed to write DNS response", "error", err)
	}
}

// Answer builds the response to req for a client at clientIP.
func (s *Server) Answer(req *dns.Msg, clientIP string) *dns.Msg {
	if len(req.Question) != 1 {
		metrics.DNSQueries.WithLabelValues("refused").Inc()
		return reply(req, dns.RcodeRefused)
	}
	q := req.Question[0]
	name := strings.TrimSuffix(strings.ToLower(q.Name), ".")

	var userID *uint
	if s.clients != nil && clientIP != "" {
		if id, ok := s.clients.UserForIP(clientIP); ok {
			userID = &id
		}
	}

	if q.Qclass == dns.ClassINET && (q.Qtype == dns.TypeA || q.Qtype == dns.TypeAAAA) {
		if s.blocker != nil && s.blocker.IsBlocked(name, userID, s.cfg.NodeID) {
			metrics.DNSQueries.WithLabelValues("sinkhole").Inc()
			return s.sinkhole(req, q)
		}
		if s.resolver != nil {
			if target, ok := s.resolver.Resolve(name, userID); ok {
				metrics.DNSQueries.WithLabelValues("override").Inc()
				return s.override(req, q, target)
			}
		}
	}

	return s.forward(req)
}

func (s *Server) sinkhole(req *dns.Msg, q dns.Question) *dns.Msg {
	resp := reply(req, dns.RcodeSuccess)
	hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: s.cfg.TTL}
	if q.Qtype == dns.TypeA {
		resp.Answer = append(resp.Answer, &dns.A{Hdr: hdr, A: net.IPv4zero.To4()})
	} else {
		resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.IPv6unspecified})
	}
	return resp
}

// override answers with target when its family matches the question and
// with an empty answer otherwise.
func (s *Server) override(req *dns.Msg, q dns.Question, target string) *dns.Msg {
	resp := reply(req, dns.RcodeSuccess)
	addr, err := netip.ParseAddr(target)
	if err != nil {
		s.logger.Warn("Override target is not an IP address", "domain", q.Name, "target", target)
		return resp
	}
	addr = addr.Unmap()

	hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: s.cfg.TTL}
	switch {
	case q.Qtype == dns.TypeA && addr.Is4():
		resp.Answer = append(resp.Answer, &dns.A{Hdr: hdr, A: net.IP(addr.AsSlice())})
	case q.Qtype == dns.TypeAAAA && addr.Is6():
		resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.IP(addr.AsSlice())})
	}
	return resp
}

func (s *Server) forward(req *dns.Msg) *dns.Msg {
	if s.cfg.Upstream == "" {
		metrics.DNSQueries.WithLabelValues("servfail").Inc()
		return reply(req, dns.RcodeServerFailure)
	}

	resp, _, err := s.upstream.Exchange(req, s.cfg.Upstream)
	if err != nil || resp == nil {
		s.logger.Debug("Upstream query failed", "upstream", s.cfg.Upstream, "question", req.Question, "error", err)
		metrics.DNSQueries.WithLabelValues("servfail").Inc()
		return reply(req, dns.RcodeServerFailure)
	}
	resp.Id = req.Id
	metrics.DNSQueries.WithLabelValues("forward").Inc()
	return resp
}

func reply(req *dns.Msg, rcode int) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(req, rcode)
	resp.RecursionAvailable = true
	return resp
}

func remoteIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.TCPAddr:
		return a.IP.String()
	case nil:
		return ""
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return ""
	}
	return ap.Addr().String()
}

// Serve listens on UDP and TCP until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if s.cfg.ListenAddr == "" {
		return errors.New("dnsserver: no listen address configured")
	}

	udp := &dns.Server{Addr: s.cfg.ListenAddr, Net: "udp", Handler: s}
	tcp := &dns.Server{Addr: s.cfg.ListenAddr, Net: "tcp", Handler: s}

	s.mu.Lock()
	s.servers = []*dns.Server{udp, tcp}
	s.mu.Unlock()

	errCh := make(chan error, 2)
	for _, srv := range []*dns.Server{udp, tcp} {
		go func(srv *dns.Server) {
			if err := srv.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("dnsserver: %s listener: %w", srv.Net, err)
			}
		}(srv)
	}
	s.logger.Info("DNS responder listening", "addr", s.cfg.ListenAddr, "upstream", s.cfg.Upstream)

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	s.shutdown()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Server) shutdown() {
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.ShutdownContext(ctx); err != nil {
			s.logger.Debug("DNS listener shutdown", "net", srv.Net, "error", err)
		}
	}
}
