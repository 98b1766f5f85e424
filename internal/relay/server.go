package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server is the egress relay: a forward proxy that permits requests only to
// allowlisted domains and rejects everything else before dialing out. It is
// the single egress path for an isolated session workload.
type Server struct {
	addr   string
	filter *DomainFilter
	logger *slog.Logger

	// dial is swappable so tests can route allowed requests to a local
	// backend without real DNS.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)

	httpServer *http.Server
	listener   net.Listener
	mu         sync.Mutex
}

// ServerConfig holds configuration for creating a Server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":3128".
	Addr string

	// AllowedDomains is the flat pattern list the filter enforces.
	AllowedDomains []string

	Logger *slog.Logger

	// DialContext overrides outbound dialing. Nil means net.Dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewServer creates a relay server. It does not start listening.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dial := config.DialContext
	if dial == nil {
		d := &net.Dialer{Timeout: 30 * time.Second}
		dial = d.DialContext
	}

	s := &Server{
		addr:   config.Addr,
		filter: NewDomainFilter(config.AllowedDomains),
		logger: logger,
		dial:   dial,
	}
	s.httpServer = &http.Server{
		Handler:     http.HandlerFunc(s.handle),
		ReadTimeout: 30 * time.Second,
	}
	return s, nil
}

// Start begins serving on the configured address until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("relay listening",
		"addr", ln.Addr().String(),
		"allowed", s.filter.Patterns())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("relay server error: %w", err)
	}
	return nil
}

// Addr returns the bound address once Start has been called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ServeHTTP lets tests drive the relay through httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	s.handleForward(w, r)
}

// handleConnect tunnels TLS traffic to an allowlisted host.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.filter.Check(r.Host); err != nil {
		s.logger.Warn("rejected CONNECT", "host", r.Host, "error", err)
		http.Error(w, fmt.Sprintf("relay: %v", err), http.StatusForbidden)
		return
	}

	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	upstream, err := s.dial(r.Context(), "tcp", target)
	if err != nil {
		s.logger.Warn("CONNECT dial failed", "host", target, "error", err)
		http.Error(w, fmt.Sprintf("relay: dial %s failed", target), http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "relay: hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, buf, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		return
	}

	fmt.Fprintf(buf, "HTTP/1.1 200 Connection Established\r\n\r\n")
	buf.Flush()

	s.logger.Debug("tunnel established", "host", target)
	tunnel(client, upstream)
}

// handleForward proxies a plain-HTTP absolute-URI request.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	if r.URL.Host == "" {
		http.Error(w, "relay: absolute URI required", http.StatusBadRequest)
		return
	}
	if err := s.filter.Check(r.URL.Host); err != nil {
		s.logger.Warn("rejected request", "host", r.URL.Host, "error", err)
		http.Error(w, fmt.Sprintf("relay: %v", err), http.StatusForbidden)
		return
	}

	transport := &http.Transport{DialContext: s.dial}
	defer transport.CloseIdleConnections()

	outbound := r.Clone(r.Context())
	outbound.RequestURI = ""
	outbound.Header.Del("Proxy-Connection")

	resp, err := transport.RoundTrip(outbound)
	if err != nil {
		s.logger.Warn("upstream request failed", "host", r.URL.Host, "error", err)
		http.Error(w, fmt.Sprintf("relay: upstream request failed: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func tunnel(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(a, b)
		_ = a.Close()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(b, a)
		_ = b.Close()
	}()
	wg.Wait()
}
