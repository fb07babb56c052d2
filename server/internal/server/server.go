package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/bridgerpc/core/logx"
	"github.com/gaspardpetit/bridgerpc/sdk/node"
	"github.com/gaspardpetit/bridgerpc/sdk/wsendpoint"
	"github.com/gaspardpetit/bridgerpc/server/internal/config"
	"github.com/gaspardpetit/bridgerpc/server/internal/metrics"
	"github.com/gaspardpetit/bridgerpc/server/internal/serverstate"
	"github.com/gaspardpetit/bridgerpc/server/internal/services"
)

// ServerName is announced to peers in the websocket welcome.
const ServerName = "bridgerpc"

// NamespaceState describes one namespace served by the coordinator.
type NamespaceState struct {
	Namespace     string              `json:"namespace"`
	Paths         []string            `json:"paths"`
	Live          int                 `json:"live"`
	Subscriptions []SubscriptionState `json:"subscriptions"`
}

// SubscriptionState identifies a live subscription.
type SubscriptionState struct {
	ClientID string `json:"client_id"`
	ID       int64  `json:"id"`
}

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	serverstate.State
	Endpoints  []services.Peer  `json:"endpoints"`
	Namespaces []NamespaceState `json:"namespaces"`
}

// New constructs the HTTP handler for the coordinator. Peers connect on
// /connect and are served by n.
func New(cfg config.ServerConfig, n *node.Node) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	preg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = preg
	prometheus.DefaultGatherer = preg
	metrics.Register(preg)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Get("/api/state", StateHandler(n))
	r.Get("/connect", ConnectHandler(cfg, n))

	if cfg.SharedMetrics() {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}
	return r
}

// ConnectHandler upgrades peers to websocket endpoints and serves them until
// they disconnect. New peers are refused while the server drains.
func ConnectHandler(cfg config.ServerConfig, n *node.Node) http.HandlerFunc {
	var nextTarget atomic.Int64
	opts := wsendpoint.AcceptOptions{
		Options:        wsendpoint.Options{Heartbeat: cfg.Heartbeat},
		OriginPatterns: originPatterns(cfg.AllowedOrigins),
		NextTarget:     func() int64 { return nextTarget.Add(1) },
		ServerName:     ServerName,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if serverstate.IsDraining() {
			http.Error(w, "server is draining", http.StatusServiceUnavailable)
			return
		}
		conn, err := wsendpoint.Accept(w, r, opts)
		if err != nil {
			logx.Log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("connect rejected")
			return
		}
		id, _ := conn.TargetID()
		log := logx.Log.With().Str("endpoint", conn.Name()).Int64("target_id", id).Logger()
		log.Info().Msg("peer connected")
		if err := n.Serve(r.Context(), conn); err != nil {
			log.Warn().Err(err).Msg("peer connection ended")
			return
		}
		log.Info().Msg("peer disconnected")
	}
}

// originPatterns converts CORS origins such as https://app.example.com into
// the host patterns the websocket upgrader matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if i := strings.Index(o, "://"); i >= 0 {
			o = o[i+3:]
		}
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

// StateHandler reports the server status, connected peers and live work.
func StateHandler(n *node.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := StateResponse{
			State:      serverstate.Snapshot(),
			Endpoints:  services.ListPeers(n.Registry()),
			Namespaces: []NamespaceState{},
		}
		for _, ns := range n.Namespaces() {
			d, ok := n.Dispatcher(ns)
			if !ok {
				continue
			}
			st := NamespaceState{
				Namespace:     ns,
				Paths:         d.Table().Paths(),
				Live:          d.Live(),
				Subscriptions: []SubscriptionState{},
			}
			for _, k := range d.Subscriptions() {
				st.Subscriptions = append(st.Subscriptions, SubscriptionState{ClientID: k.ClientID, ID: k.ID})
			}
			sort.Slice(st.Subscriptions, func(i, j int) bool {
				a, b := st.Subscriptions[i], st.Subscriptions[j]
				if a.ClientID != b.ClientID {
					return a.ClientID < b.ClientID
				}
				return a.ID < b.ID
			})
			resp.Namespaces = append(resp.Namespaces, st)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
