package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/ccx404/ccbft/pkg/consensus"
)

// Server exposes the engine's status surface: REST snapshots, the
// Prometheus endpoint, and the websocket event feed. It is read-only except
// for the operator's view-change override.
type Server struct {
	engine *consensus.Engine
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

func NewServer(engine *consensus.Engine, hub *Hub, log *zap.SugaredLogger) *Server {
	s := &Server{
		engine: engine,
		router: mux.NewRouter(),
		hub:    hub,
		log:    log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/validators", s.handleValidators).Methods("GET")
	v1.HandleFunc("/evidence", s.handleEvidence).Methods("GET")
	v1.HandleFunc("/view-change", s.handleViewChange).Methods("POST")
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.HandleFunc("/ws", s.hub.handleWS)
}

func (s *Server) Start(addr string) error {
	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}).Handler(s.router)

	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	if s.log != nil {
		s.log.Infow("api_listening", "addr", addr)
	}
	return srv.ListenAndServe()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type statusResponse struct {
	Height          uint64  `json:"height"`
	View            uint64  `json:"view"`
	Round           uint64  `json:"round"`
	Phase           string  `json:"phase"`
	ValidatorCount  int     `json:"validator_count"`
	TotalStake      uint64  `json:"total_stake"`
	BFTThreshold    uint64  `json:"bft_threshold"`
	FastThreshold   uint64  `json:"fast_threshold"`
	BlocksProcessed uint64  `json:"blocks_processed"`
	FinalityMillis  int64   `json:"avg_finality_ms"`
	TPS             float64 `json:"tps"`
	ViewChanges     uint64  `json:"view_changes"`
	PipelineActive  int     `json:"pipeline_active"`
	PipelineMax     int     `json:"pipeline_max"`
	PipelineUtil    float64 `json:"pipeline_utilization"`
	QueuedProposals int     `json:"queued_proposals"`
	QueuedVotes     int     `json:"queued_votes"`
	Violations      uint64  `json:"protocol_violations"`
	Byzantine       int     `json:"byzantine_records"`
	Halted          bool    `json:"halted"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		Height:          uint64(st.Height),
		View:            uint64(st.View),
		Round:           uint64(st.Round),
		Phase:           st.Phase.String(),
		ValidatorCount:  st.ValidatorCount,
		TotalStake:      st.TotalStake,
		BFTThreshold:    st.BFTThreshold,
		FastThreshold:   st.FastThreshold,
		BlocksProcessed: st.Metrics.BlocksProcessed,
		FinalityMillis:  st.Metrics.AverageFinality.Milliseconds(),
		TPS:             st.Metrics.ThroughputTPS,
		ViewChanges:     st.Metrics.ViewChanges,
		PipelineActive:  st.Pipeline.ActiveSlots,
		PipelineMax:     st.Pipeline.MaxParallel,
		PipelineUtil:    st.Pipeline.Utilization,
		QueuedProposals: st.Queues.Proposals,
		QueuedVotes:     st.Queues.Votes,
		Violations:      st.ProtocolViolations,
		Byzantine:       len(st.ByzantineRecords),
		Halted:          st.Halted,
	})
}

type validatorResponse struct {
	ID              string  `json:"id"`
	Stake           uint64  `json:"stake"`
	Reputation      float64 `json:"reputation"`
	BlocksProposed  uint64  `json:"blocks_proposed"`
	BlocksValidated uint64  `json:"blocks_validated"`
	ResponseTimeMS  int64   `json:"avg_response_ms"`
	Availability    float64 `json:"availability"`
	FaultIncidents  uint64  `json:"fault_incidents"`
}

func (s *Server) handleValidators(w http.ResponseWriter, r *http.Request) {
	records := s.engine.Registry.Records()
	out := make([]validatorResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, validatorResponse{
			ID:              hex.EncodeToString(rec.ID[:]),
			Stake:           rec.Stake,
			Reputation:      rec.Reputation,
			BlocksProposed:  rec.Perf.BlocksProposed,
			BlocksValidated: rec.Perf.BlocksValidated,
			ResponseTimeMS:  rec.Perf.ResponseTime.Milliseconds(),
			Availability:    rec.Perf.Availability,
			FaultIncidents:  rec.Perf.FaultIncidents,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type evidenceResponse struct {
	Validator  string    `json:"validator"`
	Kind       string    `json:"kind"`
	Severity   float64   `json:"severity"`
	DetectedAt time.Time `json:"detected_at"`
	Messages   []string  `json:"messages"` // hex canonical encodings
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	records := s.engine.Status().ByzantineRecords
	out := make([]evidenceResponse, 0, len(records))
	for _, rec := range records {
		msgs := make([]string, 0, len(rec.Evidence))
		for _, e := range rec.Evidence {
			msgs = append(msgs, hex.EncodeToString(e))
		}
		out = append(out, evidenceResponse{
			Validator:  hex.EncodeToString(rec.Validator[:]),
			Kind:       rec.Kind.String(),
			Severity:   rec.Severity,
			DetectedAt: rec.DetectedAt,
			Messages:   msgs,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleViewChange(w http.ResponseWriter, r *http.Request) {
	s.engine.TriggerViewChange()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "view change triggered"})
}
