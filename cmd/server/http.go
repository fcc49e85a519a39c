package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"strings"

	"icce.ai/internal/persistence/indexdb"
	"icce.ai/internal/sim/env"
	"icce.ai/internal/transport/observer"
	"icce.ai/internal/transport/ws"
)

type serverRuntime struct {
	env *env.Environment
	ws  *ws.Server
	idx runtimeIndex
}

func (rt *serverRuntime) indexStats() (indexdb.QueueStats, bool) {
	if rt.idx == nil {
		return indexdb.QueueStats{}, false
	}
	return rt.idx.Stats(), true
}

func newMux(rt *serverRuntime, logger *log.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, rt)
	})

	enableAdminHTTP := envBool("ICCE_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("ICCE_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			st, _ := rt.env.Status()
			resp := struct {
				RunID     string              `json:"run_id"`
				Status    string              `json:"status"`
				Config    env.Config          `json:"config"`
				Metrics   env.Metrics         `json:"metrics"`
				Transport ws.Stats            `json:"transport"`
				Index     *indexdb.QueueStats `json:"index,omitempty"`
			}{
				RunID:     rt.env.RunID(),
				Status:    st.String(),
				Config:    rt.env.Config(),
				Metrics:   rt.env.Metrics(),
				Transport: rt.ws.Stats(),
			}
			if qs, ok := rt.indexStats(); ok {
				resp.Index = &qs
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(resp)
		})

		obs := observer.NewServer(rt.env, logger)
		mux.HandleFunc("/admin/v1/observer/bootstrap", obs.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obs.WSHandler())
	} else {
		logger.Printf("admin endpoints disabled (ICCE_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (ICCE_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/v1/ws", rt.ws.Handler())
	return mux
}

// writeMetrics renders the minimal Prometheus exposition format.
func writeMetrics(rw http.ResponseWriter, rt *serverRuntime) {
	m := rt.env.Metrics()
	run := m.RunID

	gauge := func(name, help string) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
	}
	counter := func(name, help string) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s counter\n", name)
	}

	gauge("icce_env_tick", "Current environment tick.")
	fmt.Fprintf(rw, "icce_env_tick{run=%q} %d\n", run, m.Tick)

	gauge("icce_env_episode", "Current episode counter.")
	fmt.Fprintf(rw, "icce_env_episode{run=%q} %d\n", run, m.Episode)

	gauge("icce_env_status", "Current shared status code.")
	fmt.Fprintf(rw, "icce_env_status{run=%q,status=%q} %d\n", run, m.Status.String(), int(m.Status))

	gauge("icce_env_slots", "Slots in the roster.")
	fmt.Fprintf(rw, "icce_env_slots{run=%q} %d\n", run, m.Slots)

	gauge("icce_env_clients", "Registered clients.")
	fmt.Fprintf(rw, "icce_env_clients{run=%q} %d\n", run, m.Clients)

	gauge("icce_env_step_ms", "Last update loop iteration duration in milliseconds.")
	fmt.Fprintf(rw, "icce_env_step_ms{run=%q} %.3f\n", run, m.StepMS)

	counter("icce_env_handshakes_total", "Handshakes by outcome.")
	fmt.Fprintf(rw, "icce_env_handshakes_total{run=%q,outcome=%q} %d\n", run, "accepted", m.Handshakes)
	fmt.Fprintf(rw, "icce_env_handshakes_total{run=%q,outcome=%q} %d\n", run, "rejected", m.Rejected)

	counter("icce_env_failures_total", "Simulation call failures.")
	fmt.Fprintf(rw, "icce_env_failures_total{run=%q,op=%q} %d\n", run, "sample", m.SampleFailures)
	fmt.Fprintf(rw, "icce_env_failures_total{run=%q,op=%q} %d\n", run, "step", m.StepFailures)
	fmt.Fprintf(rw, "icce_env_failures_total{run=%q,op=%q} %d\n", run, "reset", m.ResetFailures)
	fmt.Fprintf(rw, "icce_env_failures_total{run=%q,op=%q} %d\n", run, "act", m.ActFailures)

	ts := rt.ws.Stats()
	ok := uint64(0)
	if ts.Calls > ts.Rejected {
		ok = ts.Calls - ts.Rejected
	}
	gauge("icce_ws_connections", "Open websocket connections.")
	fmt.Fprintf(rw, "icce_ws_connections{run=%q} %d\n", run, ts.Connections)

	counter("icce_ws_calls_total", "Calls handled by the websocket server.")
	fmt.Fprintf(rw, "icce_ws_calls_total{run=%q,outcome=%q} %d\n", run, "ok", ok)
	fmt.Fprintf(rw, "icce_ws_calls_total{run=%q,outcome=%q} %d\n", run, "error", ts.Rejected)

	if qs, has := rt.indexStats(); has {
		gauge("icce_index_queue_depth", "Index writer backlog.")
		fmt.Fprintf(rw, "icce_index_queue_depth{run=%q} %d\n", run, qs.QueueDepth)
		fmt.Fprintf(rw, "icce_index_queue_capacity{run=%q} %d\n", run, qs.QueueCapacity)

		counter("icce_index_dropped_total", "Index records dropped under backpressure.")
		fmt.Fprintf(rw, "icce_index_dropped_total{run=%q,kind=%q} %d\n", run, "tick", qs.DropTickTotal)
		fmt.Fprintf(rw, "icce_index_dropped_total{run=%q,kind=%q} %d\n", run, "audit", qs.DropAuditTotal)
		fmt.Fprintf(rw, "icce_index_dropped_total{run=%q,kind=%q} %d\n", run, "episode", qs.DropEpisodeTotal)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
