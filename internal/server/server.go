// Package server exposes the watchdog's ops surface: health, loop status,
// the derived inventory, Prometheus metrics and an optional gRPC health
// service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"hipswatch/internal/policy"
	"hipswatch/internal/state"
	"hipswatch/internal/watchdog"
)

// ServiceName is the gRPC health service name reported for the watchdog.
const ServiceName = "hipswatch.Watchdog"

// StatusSource reports the loop status.
type StatusSource interface {
	Status() watchdog.Status
}

// SnapshotSource exposes the persisted address state.
type SnapshotSource interface {
	Snapshot() state.Snapshot
}

// Server wraps the ops HTTP and gRPC servers.
type Server struct {
	loop    StatusSource
	store   SnapshotSource
	policy  policy.Evaluator
	sshUser string
	router  *mux.Router
	log     *slog.Logger

	httpSrv    *http.Server
	metricsSrv *http.Server
	grpcSrv    *grpc.Server
	health     *health.Server
}

func New(loop StatusSource, store SnapshotSource, evaluator policy.Evaluator, sshUser string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		loop:    loop,
		store:   store,
		policy:  evaluator,
		sshUser: sshUser,
		router:  mux.NewRouter(),
		log:     logger.With("component", "server"),
		health:  health.NewServer(),
		grpcSrv: grpc.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpcSrv, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/inventory", s.handleInventory).Methods(http.MethodGet)
	s.router.HandleFunc("/addresses/{address}", s.handleAddress).Methods(http.MethodGet)
}

func (s *Server) Router() http.Handler { return s.router }

// Start serves the ops routes on addr in the background.
func (s *Server) Start(addr string) {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go s.serve("ops", s.httpSrv)
}

// StartMetrics serves /metrics on its own listener.
func (s *Server) StartMetrics(addr string) {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	s.metricsSrv = &http.Server{Addr: addr, Handler: m, ReadHeaderTimeout: 5 * time.Second}
	go s.serve("metrics", s.metricsSrv)
}

func (s *Server) serve(name string, srv *http.Server) {
	s.log.Info("listening", "server", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("server error", "server", name, "err", err)
	}
}

// StartGRPC serves the standard gRPC health service on addr. It blocks until
// the server stops.
func (s *Server) StartGRPC(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeGRPC(ln)
}

// ServeGRPC serves the health service on an existing listener.
func (s *Server) ServeGRPC(ln net.Listener) error {
	s.log.Info("listening", "server", "grpc", "addr", ln.Addr().String())
	return s.grpcSrv.Serve(ln)
}

// Shutdown stops every server that was started.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()
	s.grpcSrv.GracefulStop()
	for _, srv := range []*http.Server{s.httpSrv, s.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			s.log.Warn("server shutdown", "addr", srv.Addr, "err", err)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  string(s.loop.Status().State),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	counts := make(map[state.Status]int, len(state.AllStatuses))
	for _, st := range snap.Addresses {
		counts[st.Status]++
	}
	writeJSON(w, http.StatusOK, struct {
		Loop      watchdog.Status      `json:"loop"`
		Addresses map[state.Status]int `json:"addresses"`
		LastSeen  []string             `json:"lastAddresses"`
	}{
		Loop:      s.loop.Status(),
		Addresses: counts,
		LastSeen:  snap.LastAddresses,
	})
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	inv := state.BuildInventory(s.store.Snapshot(), s.sshUser, policy.GroupFunc(s.policy))
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleAddress(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	st, ok := s.store.Snapshot().Addresses[addr]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "address is not tracked"})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		state.AddressState
		Decision policy.Decision `json:"decision"`
	}{st, s.policy.Evaluate(addr, len(st.FlowIDs))})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
