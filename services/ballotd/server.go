// Package ballotd serves a synchronized election session over HTTP and
// WebSocket.
package ballotd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ballotsync/election"
	"ballotsync/gate"
	"ballotsync/phase"
	"ballotsync/report"
	ballotmw "ballotsync/services/ballotd/middleware"
	"ballotsync/session"
	"ballotsync/storage"
)

const maxBodyBytes = 1 << 16

// Ballot is the session surface the server drives. *session.Session
// satisfies it.
type Ballot interface {
	Identity() common.Address
	Snapshot() (session.Snapshot, bool)
	Watch() (<-chan session.Snapshot, func())
	Voter(ctx context.Context, addr common.Address) (election.VoterRecord, error)
	Winner(ctx context.Context) (string, error)
	AuditKinds(ctx context.Context, kinds []election.EventKind, limit int) ([]election.AuditEvent, error)
	Report(ctx context.Context) (report.Report, error)
	Actions(ctx context.Context, limit int) ([]storage.Action, error)
	Register(ctx context.Context) (*gate.Result, error)
	Vote(ctx context.Context, candidateID uint64) (*gate.Result, error)
	AddCandidate(ctx context.Context, name, imageURL string) (uint64, error)
	StartVoting(ctx context.Context, deadline time.Time) error
	EndVoting(ctx context.Context) error
	CreateNewElection(ctx context.Context) (common.Address, error)
}

var _ Ballot = (*session.Session)(nil)

// Config describes the runtime configuration for the server.
type Config struct {
	Auth           ballotmw.AuthConfig
	// RateLimit throttles write routes per client. Zero disables it.
	RateLimit      ballotmw.RateLimit
	AllowedOrigins []string
	LogRequests    bool
	Clock          func() time.Time
}

// Server implements the HTTP handlers for ballotd.
type Server struct {
	ballot Ballot
	logger *slog.Logger
	clock  func() time.Time
	router http.Handler
}

// NewServer constructs the router with authentication, throttling and
// instrumentation.
func NewServer(ballot Ballot, cfg Config, logger *slog.Logger) (*Server, error) {
	if ballot == nil {
		return nil, errors.New("ballot session required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return nil, errors.New("auth enabled without an HMAC secret")
	}
	s := &Server{
		ballot: ballot,
		logger: logger.With("component", "ballotd"),
		clock:  cfg.Clock,
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	s.router = s.buildRouter(cfg)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	auth := ballotmw.NewAuthenticator(cfg.Auth, s.logger)
	limits := map[string]ballotmw.RateLimit{}
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limits["write"] = cfg.RateLimit
	}
	limiter := ballotmw.NewRateLimiter(limits, s.logger)
	obs := ballotmw.NewObservability("ballotd", cfg.LogRequests, s.logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(ballotmw.CORS(ballotmw.CORSConfig{AllowedOrigins: cfg.AllowedOrigins}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.With(obs.Middleware("election")).Get("/election", s.handleElection)
		api.With(obs.Middleware("voter")).Get("/voters/{address}", s.handleVoter)
		api.With(obs.Middleware("winner")).Get("/winner", s.handleWinner)
		api.With(obs.Middleware("audit")).Get("/audit", s.handleAudit)
		api.With(obs.Middleware("report")).Get("/report.{format}", s.handleReport)
		api.Get("/stream", s.handleStream)

		api.Group(func(write chi.Router) {
			write.Use(limiter.Middleware("write"))
			write.With(obs.Middleware("register")).Post("/register", s.handleRegister)
			write.With(obs.Middleware("vote")).Post("/vote", s.handleVote)
		})

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(auth.Middleware(ballotmw.ScopeAdmin))
			admin.Use(limiter.Middleware("write"))
			admin.With(obs.Middleware("actions")).Get("/actions", s.handleActions)
			admin.With(obs.Middleware("add_candidate")).Post("/candidates", s.handleAddCandidate)
			admin.With(obs.Middleware("start_voting")).Post("/start", s.handleStart)
			admin.With(obs.Middleware("end_voting")).Post("/end", s.handleEnd)
			admin.With(obs.Middleware("create_election")).Post("/elections", s.handleCreateElection)
		})
	})
	return r
}

type electionResponse struct {
	session.Snapshot
	Phase         phase.Phase `json:"phase"`
	Authoritative phase.Phase `json:"authoritativePhase"`
	Remaining     string      `json:"remaining,omitempty"`
	TotalVotes    uint64      `json:"totalVotes"`
}

func (s *Server) electionPayload(snap session.Snapshot) electionResponse {
	view := snap.View(s.clock())
	out := electionResponse{
		Snapshot:      snap,
		Phase:         view.Displayed,
		Authoritative: view.Authoritative,
		TotalVotes:    snap.TotalVotes(),
	}
	if snap.Flags.Started && !snap.Flags.Ended {
		out.Remaining = phase.FormatRemaining(view.Remaining)
	}
	return out
}

func (s *Server) handleElection(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.ballot.Snapshot()
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "not_ready", "no snapshot yet", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, s.electionPayload(snap))
}

func (s *Server) handleVoter(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		s.writeError(w, http.StatusBadRequest, "invalid_address", "address must be 20 hex bytes", nil)
		return
	}
	record, err := s.ballot.Voter(r.Context(), common.HexToAddress(raw))
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleWinner(w http.ResponseWriter, r *http.Request) {
	name, err := s.ballot.Winner(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"winner": name})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			s.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 500", nil)
			return
		}
		limit = parsed
	}
	var kinds []election.EventKind
	if raw := strings.TrimSpace(r.URL.Query().Get("kinds")); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			kind := election.EventKind(strings.TrimSpace(name))
			if !knownKind(kind) {
				s.writeError(w, http.StatusBadRequest, "invalid_kind", "unknown event kind "+string(kind), nil)
				return
			}
			kinds = append(kinds, kind)
		}
	}
	events, err := s.ballot.AuditKinds(r.Context(), kinds, limit)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func knownKind(kind election.EventKind) bool {
	if kind == election.EventElectionCreated {
		return true
	}
	for _, k := range election.ElectionEvents {
		if k == kind {
			return true
		}
	}
	return false
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	format := chi.URLParam(r, "format")
	var (
		contentType string
		write       func(http.ResponseWriter, report.Report) error
	)
	switch format {
	case "csv":
		contentType = "text/csv"
		write = func(w http.ResponseWriter, rep report.Report) error { return report.WriteCSV(w, rep) }
	case "parquet":
		contentType = "application/vnd.apache.parquet"
		write = func(w http.ResponseWriter, rep report.Report) error { return report.WriteParquet(w, rep) }
	case "txt":
		contentType = "text/plain; charset=utf-8"
		write = func(w http.ResponseWriter, rep report.Report) error { return report.WritePrintable(w, rep) }
	default:
		s.writeError(w, http.StatusNotFound, "unknown_format", "report formats are csv, parquet and txt", nil)
		return
	}
	rep, err := s.ballot.Report(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\"voting-report."+format+"\"")
	w.WriteHeader(http.StatusOK)
	if err := write(w, rep); err != nil {
		s.logger.Warn("report write failed", "format", format, "error", err)
	}
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.ballot.Actions(r.Context(), 50)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

type resultResponse struct {
	TxHash string               `json:"txHash"`
	Block  uint64               `json:"block"`
	Record election.VoterRecord `json:"record"`
}

func resultPayload(res *gate.Result) resultResponse {
	out := resultResponse{Record: res.Record}
	if res.Receipt != nil {
		out.TxHash = res.Receipt.Hash.Hex()
		out.Block = res.Receipt.Block
	}
	return out
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	res, err := s.ballot.Register(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resultPayload(res))
}

type voteRequest struct {
	CandidateID uint64 `json:"candidateId"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.CandidateID == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid_candidate", "candidateId is required", nil)
		return
	}
	res, err := s.ballot.Vote(r.Context(), req.CandidateID)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resultPayload(res))
}

type candidateRequest struct {
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl"`
}

func (s *Server) handleAddCandidate(w http.ResponseWriter, r *http.Request) {
	var req candidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.ballot.AddCandidate(r.Context(), req.Name, req.ImageURL)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.adminDone(r, "add_candidate", "candidate", id)
	s.writeJSON(w, http.StatusCreated, map[string]uint64{"candidateId": id})
}

type startRequest struct {
	Deadline        time.Time `json:"deadline"`
	DurationMinutes int       `json:"durationMinutes"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	deadline := req.Deadline
	if deadline.IsZero() && req.DurationMinutes > 0 {
		deadline = s.clock().Add(time.Duration(req.DurationMinutes) * time.Minute)
	}
	if deadline.IsZero() {
		s.writeError(w, http.StatusBadRequest, "invalid_deadline", "deadline or durationMinutes is required", nil)
		return
	}
	if err := s.ballot.StartVoting(r.Context(), deadline); err != nil {
		s.handleError(w, err)
		return
	}
	s.adminDone(r, "start_voting", "deadline", deadline.UTC())
	s.writeJSON(w, http.StatusOK, map[string]string{"deadline": deadline.UTC().Format(time.RFC3339)})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	if err := s.ballot.EndVoting(r.Context()); err != nil {
		s.handleError(w, err)
		return
	}
	s.adminDone(r, "end_voting")
	s.writeJSON(w, http.StatusOK, map[string]bool{"ended": true})
}

func (s *Server) handleCreateElection(w http.ResponseWriter, r *http.Request) {
	addr, err := s.ballot.CreateNewElection(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.adminDone(r, "create_election", "election", addr.Hex())
	s.writeJSON(w, http.StatusCreated, map[string]string{"election": addr.Hex()})
}

// adminDone records which operator token drove a confirmed admin action.
func (s *Server) adminDone(r *http.Request, action string, args ...any) {
	operator := ballotmw.Subject(r.Context())
	if operator == "" {
		operator = "anonymous"
	}
	s.logger.Info("admin action confirmed", append([]any{"action", action, "operator", operator}, args...)...)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "invalid payload", nil)
		return false
	}
	return true
}

// statusFor maps an action error to an HTTP status and stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, election.ErrUnauthorized), errors.Is(err, election.ErrSignerRejected):
		return http.StatusForbidden, election.KindName(err)
	case errors.Is(err, election.ErrAlreadyDone), errors.Is(err, election.ErrWrongPhase),
		errors.Is(err, election.ErrNotAvailable), errors.Is(err, election.ErrReplaced):
		return http.StatusConflict, election.KindName(err)
	case errors.Is(err, election.ErrTimeout):
		return http.StatusAccepted, election.KindName(err)
	case errors.Is(err, election.ErrReverted):
		return http.StatusUnprocessableEntity, election.KindName(err)
	case errors.Is(err, election.ErrConnectivity):
		return http.StatusBadGateway, election.KindName(err)
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) handleError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	details := map[string]any{}
	var typed *election.Error
	if errors.As(err, &typed) {
		if typed.Reason != "" {
			details["reason"] = typed.Reason
		}
		if typed.TxHash != (common.Hash{}) {
			details["txHash"] = typed.TxHash.Hex()
		}
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		message = "internal error"
	}
	s.writeError(w, status, code, message, details)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	body := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
	if len(details) > 0 {
		body["error"].(map[string]any)["details"] = details
	}
	s.writeJSON(w, status, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response failed", "error", err)
	}
}

