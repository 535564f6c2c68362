// Package httpapi serves the local debug/info surface (/info,
// /debug/jobs, /metrics) for an operator to query over HTTP; the info and
// test subcommands do not use it. Grounded on the moby-moby example's gorilla/mux
// routed debug endpoints.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mfs-go/mfscore/internal/jobpool"
	"github.com/mfs-go/mfscore/internal/metadata"
)

// Server exposes process state over HTTP on a loopback-only listener.
type Server struct {
	log    *logrus.Entry
	router *mux.Router
	pool   *jobpool.Pool
	engine *metadata.Engine
}

// New wires routes for pool and engine. Either may be nil (e.g. a
// restore-only tool need not run a pool).
func New(log *logrus.Entry, pool *jobpool.Pool, engine *metadata.Engine) *Server {
	s := &Server{log: log, router: mux.NewRouter(), pool: pool, engine: engine}
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	s.router.HandleFunc("/debug/jobs", s.handleDebugJobs).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

type infoResponse struct {
	MetaVersion    uint64  `json:"meta_version"`
	MetaID         uint64  `json:"meta_id"`
	LastSaveStatus int     `json:"last_save_status"`
	LastSaveSecs   float64 `json:"last_save_seconds"`
	WorkersTotal   uint32  `json:"workers_total,omitempty"`
	WorkersAvail   uint32  `json:"workers_available,omitempty"`
	QueueDepth     uint32  `json:"queue_depth,omitempty"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	var resp infoResponse
	if s.engine != nil {
		_, secs, status := s.engine.LastSaveInfo()
		resp.MetaVersion = s.engine.MetaVersion()
		resp.MetaID = s.engine.MetaID()
		resp.LastSaveStatus = int(status)
		resp.LastSaveSecs = secs
	}
	if s.pool != nil {
		st := s.pool.Stats()
		resp.WorkersTotal = st.WorkersTotal
		resp.WorkersAvail = st.WorkersAvail
		resp.QueueDepth = st.QueueDepth
	}
	writeJSON(w, resp)
}

type jobsResponse struct {
	Counts map[string]int     `json:"counts"`
	MeanNs map[string]float64 `json:"mean_dispatch_ns"`
}

func (s *Server) handleDebugJobs(w http.ResponseWriter, r *http.Request) {
	resp := jobsResponse{Counts: map[string]int{}, MeanNs: map[string]float64{}}
	if s.pool != nil && s.pool.Latency != nil {
		for op, n := range s.pool.Latency.Counts() {
			resp.Counts[op.String()] = n
		}
		for op, ns := range s.pool.Latency.MeanNanos() {
			resp.MeanNs[op.String()] = ns
		}
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
