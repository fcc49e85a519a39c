package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"icce.ai/internal/agent"
	"icce.ai/internal/protocol"
	"icce.ai/internal/sim/chase"
	"icce.ai/internal/transport/ws"
)

func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		hz         = flag.Float64("hz", 120, "client tick frequency")
		obsSize    = flag.Int("obs_size", chase.ObservationSize, "observation size announced in HANDSHAKE")
		actSize    = flag.Int("act_size", chase.ActionSize, "action size announced in HANDSHAKE")
		hint       = flag.Int("hint", protocol.InvalidID, "preferred agent slot (-1 for none)")
		policyName = flag.String("policy", "random", "policy: random|pursue|flee")
		seed       = flag.Int64("seed", 1, "random policy seed")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[agent] ", log.LstdFlags|log.Lmicroseconds)

	policy, err := newPolicy(*policyName, *actSize, *seed, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := ws.Dial(ctx, *url)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer client.Close()

	cfg := agent.Config{
		FrequencyHz:     *hz,
		ObservationSize: *obsSize,
		ActionSize:      *actSize,
	}
	if *hint >= 0 {
		slot := protocol.AgentSlot(*hint)
		cfg.AgentHint = &slot
	}

	d := agent.New(cfg, client, policy, logger)
	err = d.Run(ctx)
	st := d.Stats()

	var herr *agent.HandshakeError
	switch {
	case errors.As(err, &herr):
		fmt.Fprintf(os.Stderr, "handshake rejected: %s: %s\n", herr.Status, herr.Status.Describe())
		os.Exit(1)
	case err != nil && !errors.Is(err, context.Canceled):
		logger.Printf("stopped: %v", err)
		os.Exit(1)
	}
	logger.Printf("finished: client_id=%d ticks=%d acts=%d episodes=%d", st.ClientID, st.Ticks, st.Acts, st.Episodes)
}
