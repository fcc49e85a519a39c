package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"icce.ai/internal/agent"
	persistlog "icce.ai/internal/persistence/log"
	"icce.ai/internal/protocol"
	"icce.ai/internal/sim/chase"
	"icce.ai/internal/sim/env"
	"icce.ai/internal/sim/tuning"
	"icce.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides tick_log/index_db roots)")
		envFile    = flag.String("env", ".env", "dotenv file loaded before ICCE_* overrides")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite run index")
		seed       = flag.Int64("seed", 1, "chase simulation seed")
		maxEps     = flag.Int("max_episodes", -1, "override max_episodes (-1 keeps tuning value, 0 runs until interrupted)")
		mcpListen  = flag.String("mcp_listen", "", "embedded MCP listen address, loopback only (or set ICCE_MCP_LISTEN)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	if loaded, err := tuning.LoadEnvFiles(*envFile, filepath.Join("..", "..", ".env")); err != nil {
		logger.Fatalf("env file: %v", err)
	} else if loaded != "" {
		logger.Printf("loaded %s", loaded)
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	if err := tune.ApplyEnv(os.LookupEnv); err != nil {
		logger.Fatalf("env overrides: %v", err)
	}
	if *maxEps >= 0 {
		tune.MaxEpisodes = *maxEps
	}
	if d := strings.TrimSpace(*dataDir); d != "" {
		tune.TickLog = filepath.Join(d, "logs")
		tune.IndexDB = filepath.Join(d, "index", "icce.sqlite")
	}
	if err := tune.Validate(); err != nil {
		logger.Fatalf("tuning: %v", err)
	}

	game, err := newChase(tune, *seed)
	if err != nil {
		logger.Fatalf("simulation: %v", err)
	}

	e, err := env.New(tune.EnvConfig(), game, logger)
	if err != nil {
		logger.Fatalf("environment: %v", err)
	}

	idx, err := openRuntimeIndex(tune.IndexDB, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.RecordRun(e.RunID(), tune); err != nil {
			logger.Printf("index backend: record run: %v", err)
		}
	}

	var (
		tickLog  env.TickLogger
		auditLog env.AuditLogger
		episodes env.EpisodeRecorder
	)
	if tune.TickLog != "" {
		runDir := filepath.Join(tune.TickLog, e.RunID())
		tl := persistlog.NewTickLogger(runDir)
		al := persistlog.NewAuditLogger(runDir)
		el := persistlog.NewEpisodeLogger(runDir, func(err error) { logger.Printf("episode log: %v", err) })
		defer tl.Close()
		defer al.Close()
		defer el.Close()
		tickLog, auditLog, episodes = tl, al, el
		logger.Printf("run logs under %s", runDir)
	}
	e.SetTickLogger(multiTickLogger{a: tickLog, b: idx})
	e.SetAuditLogger(multiAuditLogger{a: auditLog, b: idx})
	e.SetEpisodeRecorder(multiEpisodeRecorder{a: episodes, b: idx})

	ctx, cancel := signalContext()
	defer cancel()

	wsSrv := ws.NewServer(e, ws.Options{
		Workers:             tune.Workers,
		ReleaseOnDisconnect: tune.ReleaseOnDisconnect,
		RunID:               e.RunID(),
		TickRateHz:          tune.FrequencyHz,
	}, logger)

	if strings.TrimSpace(*mcpListen) == "" {
		*mcpListen = os.Getenv("ICCE_MCP_LISTEN")
	}
	mcpSrv, err := startEmbeddedMCP(ctx, *mcpListen, agent.NewLocal(e, e.RunID(), tune.FrequencyHz), 0, logger)
	if err != nil {
		logger.Fatalf("embedded mcp: %v", err)
	}
	defer mcpSrv.Close()

	mux := newMux(&serverRuntime{env: e, ws: wsSrv, idx: idx}, logger)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := e.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("environment stopped: %v", err)
		}
	}()

	// The environment holds SHUTDOWN for its grace period before Done closes.
	go func() {
		<-e.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (run %s, roster %v)", *addr, e.RunID(), tune.Roster)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	<-e.Done()
	m := e.Metrics()
	logger.Printf("run %s finished: episodes=%d ticks=%d", m.RunID, m.Episode, m.Tick)
}

func newChase(tune tuning.Tuning, seed int64) (*chase.Game, error) {
	if len(tune.Roster) != 2 {
		return nil, fmt.Errorf("chase needs a roster of 2 slots, got %v", tune.Roster)
	}
	if tune.ObservationSize != chase.ObservationSize || tune.ActionSize != chase.ActionSize {
		return nil, fmt.Errorf("chase needs observation_size=%d action_size=%d", chase.ObservationSize, chase.ActionSize)
	}
	cfg := chase.DefaultConfig()
	cfg.Pursuer = protocol.AgentSlot(tune.Roster[0])
	cfg.Evader = protocol.AgentSlot(tune.Roster[1])
	cfg.Seed = seed
	return chase.New(cfg)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
