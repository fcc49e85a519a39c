package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"icce.ai/internal/agent"
	"icce.ai/internal/mcp"
)

type embeddedMCP struct {
	httpSrv *http.Server
	ln      net.Listener
	bridge  *mcp.Manager

	closeOnce sync.Once
}

func (m *embeddedMCP) Close() {
	if m == nil {
		return
	}
	m.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.httpSrv.Shutdown(ctx)
		_ = m.ln.Close()
		_ = m.bridge.Close()
	})
}

// startEmbeddedMCP serves the MCP tools against the in-process environment.
// It returns nil when listen is empty.
func startEmbeddedMCP(ctx context.Context, listen string, local *agent.Local, maxSessions int, logger *log.Logger) (*embeddedMCP, error) {
	listen = strings.TrimSpace(listen)
	if listen == "" {
		logger.Printf("embedded MCP disabled (mcp_listen empty)")
		return nil, nil
	}
	// The MCP surface has no authentication.
	if !isLoopbackListenAddress(listen) {
		return nil, fmt.Errorf("refusing MCP listen on non-loopback address %q", listen)
	}

	br, err := mcp.NewManager(mcp.Config{
		Dial:        func(context.Context) (agent.Endpoint, error) { return local, nil },
		MaxSessions: maxSessions,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp bridge: %w", err)
	}
	srv, err := mcp.NewServer(br)
	if err != nil {
		_ = br.Close()
		return nil, fmt.Errorf("mcp server: %w", err)
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		_ = br.Close()
		return nil, fmt.Errorf("mcp listen: %w", err)
	}

	em := &embeddedMCP{
		httpSrv: &http.Server{Addr: listen, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second},
		ln:      ln,
		bridge:  br,
	}
	go func() {
		<-ctx.Done()
		em.Close()
	}()
	go func() {
		if err := em.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Printf("embedded_mcp serve error: %v", err)
		}
	}()
	logger.Printf("embedded_mcp listening on http://%s", ln.Addr())
	return em, nil
}

func isLoopbackListenAddress(addr string) bool {
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = strings.TrimSpace(h)
	}
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
