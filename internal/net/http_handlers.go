package net

import (
	"encoding/json"
	nethttp "net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spacetime-relay/internal/observability"
	"spacetime-relay/internal/relay"
	"spacetime-relay/internal/telemetry"
)

// WebsocketPath is where clients open their relay sessions.
const WebsocketPath = "/ws"

// Diagnoser reports a point-in-time view of the relay.
type Diagnoser interface {
	Diagnostics() relay.Diagnostics
}

type HTTPHandlerConfig struct {
	Logger        telemetry.Logger
	Observability observability.Config
	// Gatherer backs the metrics endpoint; nil disables it.
	Gatherer prometheus.Gatherer
}

func NewHTTPHandler(sessions nethttp.Handler, diag Diagnoser, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := telemetry.DefaultLogger(cfg.Logger)

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := struct {
			Status     string            `json:"status"`
			ServerTime int64             `json:"serverTime"`
			Relay      relay.Diagnostics `json:"relay"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			Relay:      diag.Diagnostics(),
		}

		data, err := json.Marshal(payload)
		if err != nil {
			logger.Printf("failed to encode diagnostics: %v", err)
			httpError(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	if sessions != nil {
		mux.Handle(WebsocketPath, sessions)
	}

	if cfg.Gatherer != nil {
		mux.Handle(cfg.Observability.Path(), promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	if cfg.Observability.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return mux
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
