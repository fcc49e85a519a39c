package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"icce.ai/internal/agent"
	"icce.ai/internal/mcp"
	"icce.ai/internal/transport/ws"
)

func main() {
	var (
		listen  = flag.String("listen", "127.0.0.1:8090", "http listen address (loopback only)")
		envURL  = flag.String("env-ws-url", "ws://127.0.0.1:8080/v1/ws", "environment ws url")
		maxSess = flag.Int("max-sessions", 256, "max concurrent sessions")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[mcp] ", log.LstdFlags|log.Lmicroseconds)
	if !isLoopbackListenAddress(*listen) {
		logger.Fatalf("refusing MCP bind on non-loopback address %q", *listen)
	}

	// One websocket per session, so the environment releases the session's
	// client id when the session is released or the bridge goes away.
	br, err := mcp.NewManager(mcp.Config{
		Dial: func(ctx context.Context) (agent.Endpoint, error) {
			dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return ws.Dial(dctx, *envURL)
		},
		MaxSessions: *maxSess,
	})
	if err != nil {
		logger.Fatalf("bridge: %v", err)
	}
	defer br.Close()

	srv, err := mcp.NewServer(br)
	if err != nil {
		logger.Fatalf("mcp: %v", err)
	}

	httpSrv := &http.Server{
		Addr:              *listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Printf("listening on http://%s (env ws=%s)", *listen, *envURL)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("listen: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackListenAddress(addr string) bool {
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = strings.TrimSpace(h)
	}
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
