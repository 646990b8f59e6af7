// Package api exposes the orchestrators over HTTP/JSON.  Handlers only
// touch the job store through the orchestrators' Submit and Poll methods,
// so a slow compute backend never delays a request.
//
// Every response carries {"status": "SUCCESS"|"ERROR", "message": ...};
// typed errors map to HTTP status codes and are never surfaced raw.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/terrpan/arena/internal/build"
	"github.com/terrpan/arena/internal/deploy"
	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/match"
)

const maxBodyBytes = 1 << 20

// Response statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// Build statuses reported by PollBuild.
const (
	BuildUnknown   = "UNKNOWN"
	BuildRunning   = "RUNNING"
	BuildSucceeded = "SUCCEEDED"
	BuildFailed    = "FAILED"
)

// Builds accepts and reports builds.
type Builds interface {
	Submit(ctx context.Context, req build.Request) (job.Job, error)
	Poll(ctx context.Context, id string) (job.Job, error)
}

// Deployer deploys the latest successful build of a name.
type Deployer interface {
	Deploy(ctx context.Context, name string) (deploy.Result, error)
}

// Matches accepts and reports matches.
type Matches interface {
	Submit(ctx context.Context, req match.Request) (job.Job, error)
	Poll(ctx context.Context, id string) (job.Job, error)
}

// Config holds Server dependencies.  Nil Deployer or Matches leaves their
// routes unregistered.
type Config struct {
	Builds   Builds
	Deployer Deployer
	Matches  Matches
	Health   http.Handler
	Logger   *slog.Logger
}

// Server routes RPCs to the orchestrators.
type Server struct {
	builds   Builds
	deployer Deployer
	matches  Matches
	health   http.Handler
	logger   *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		builds:   cfg.Builds,
		deployer: cfg.Deployer,
		matches:  cfg.Matches,
		health:   cfg.Health,
		logger:   cfg.Logger,
	}
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if s.health != nil {
		r.Method(http.MethodGet, "/healthz", s.health)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/builds", s.submitBuild)
		r.Get("/builds/{id}", s.pollBuild)
		if s.deployer != nil {
			r.Post("/deployments", s.deploy)
		}
		if s.matches != nil {
			r.Post("/matches", s.submitMatch)
			r.Get("/matches/{id}", s.pollMatch)
		}
	})

	return otelhttp.NewHandler(r, "arena-api")
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// Response is the envelope every body shares.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type buildRequest struct {
	Name           string `json:"name"`
	GitRepo        string `json:"git_repo"`
	DockerfilePath string `json:"dockerfile_path"`
	ContextSubPath string `json:"context_sub_path"`
}

// BuildResponse answers Build.
type BuildResponse struct {
	Response
	BuildID string `json:"build_id,omitempty"`
}

// PollBuildResponse answers PollBuild.
type PollBuildResponse struct {
	Response
	BuildStatus    string `json:"build_status"`
	ImageReference string `json:"image_reference,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
}

type deployRequest struct {
	Name string `json:"name"`
}

// DeployResponse answers Deploy.
type DeployResponse struct {
	Response
	Image   string `json:"image,omitempty"`
	BuildID string `json:"build_id,omitempty"`
	Changed bool   `json:"changed"`
}

type matchRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

// MatchResponse answers Match.
type MatchResponse struct {
	Response
	MatchID string `json:"match_id,omitempty"`
}

// PollMatchResponse answers PollMatch.
type PollMatchResponse struct {
	Response
	MatchState    string           `json:"match_state,omitempty"`
	AgentIDs      []string         `json:"agent_ids,omitempty"`
	Result        *job.MatchResult `json:"result,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
}

// BuildStatus maps a build's internal state onto the PollBuild vocabulary.
// An accepted build that has not started yet is reported as running.
func BuildStatus(s job.State) string {
	switch s {
	case job.StatePending, job.StateRunning:
		return BuildRunning
	case job.StateSucceeded:
		return BuildSucceeded
	case job.StateFailed:
		return BuildFailed
	}
	return BuildUnknown
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) submitBuild(w http.ResponseWriter, r *http.Request) {
	var req buildRequest
	if !s.readBody(w, r, buildSchema, &req) {
		return
	}
	j, err := s.builds.Submit(r.Context(), build.Request{
		Name:           req.Name,
		RepositoryURL:  req.GitRepo,
		DockerfilePath: req.DockerfilePath,
		ContextSubPath: req.ContextSubPath,
	})
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.write(w, http.StatusAccepted, BuildResponse{
		Response: Response{Status: StatusSuccess, Message: fmt.Sprintf("build %q accepted", j.Name)},
		BuildID:  j.ID,
	})
}

func (s *Server) pollBuild(w http.ResponseWriter, r *http.Request) {
	j, err := s.builds.Poll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err, func(resp Response) any {
			return PollBuildResponse{Response: resp, BuildStatus: BuildUnknown}
		})
		return
	}
	resp := PollBuildResponse{
		Response:      Response{Status: StatusSuccess, Message: fmt.Sprintf("build %q is %s", j.Name, j.State)},
		BuildStatus:   BuildStatus(j.State),
		FailureReason: j.FailureReason,
	}
	if j.Build != nil {
		resp.ImageReference = j.Build.ImageReference
	}
	s.write(w, http.StatusOK, resp)
}

func (s *Server) deploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if !s.readBody(w, r, deploySchema, &req) {
		return
	}
	res, err := s.deployer.Deploy(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	msg := fmt.Sprintf("deployed %q", req.Name)
	if !res.Changed {
		msg = fmt.Sprintf("%q already up to date", req.Name)
	}
	s.write(w, http.StatusOK, DeployResponse{
		Response: Response{Status: StatusSuccess, Message: msg},
		Image:    res.Workload.Image,
		BuildID:  res.BuildID,
		Changed:  res.Changed,
	})
}

func (s *Server) submitMatch(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if !s.readBody(w, r, matchSchema, &req) {
		return
	}
	j, err := s.matches.Submit(r.Context(), match.Request{AgentIDs: req.AgentIDs})
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.write(w, http.StatusAccepted, MatchResponse{
		Response: Response{Status: StatusSuccess, Message: "match accepted"},
		MatchID:  j.ID,
	})
}

func (s *Server) pollMatch(w http.ResponseWriter, r *http.Request) {
	j, err := s.matches.Poll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	resp := PollMatchResponse{
		Response:      Response{Status: StatusSuccess, Message: fmt.Sprintf("match is %s", j.State)},
		MatchState:    string(j.State),
		FailureReason: j.FailureReason,
	}
	if j.Match != nil {
		resp.AgentIDs = j.Match.AgentIDs
		resp.Result = j.Match.Result
	}
	s.write(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Plumbing
// ---------------------------------------------------------------------------

// readBody validates the request body against schema and decodes it into
// dst.  An empty body is treated as {}.  It writes the error response and
// returns false when the body is unusable.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, schema gojsonschema.JSONLoader, dst any) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, job.NewValidationError("could not read request body"), nil)
		return false
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		s.writeError(w, r, job.NewValidationError("request body is not valid JSON"), nil)
		return false
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		s.writeError(w, r, job.NewValidationError("request body failed JSON validation", details...), nil)
		return false
	}

	if err := json.Unmarshal(body, dst); err != nil {
		s.writeError(w, r, fmt.Errorf("decode validated body: %w", err), nil)
		return false
	}
	return true
}

// statusCode maps the error taxonomy onto HTTP.
func statusCode(err error) int {
	var (
		validation *job.ValidationError
		notFound   *job.NotFoundError
		inProgress *job.AlreadyInProgressError
		notReady   *job.NotReadyError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &inProgress):
		return http.StatusConflict
	case errors.As(err, &notReady):
		return http.StatusPreconditionFailed
	case errors.Is(err, job.ErrTransientUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError writes the structured error body.  wrap, when set, embeds the
// envelope in an endpoint-specific body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, wrap func(Response) any) {
	code := statusCode(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("error", err.Error()),
		)
		msg = "internal error"
	}

	resp := Response{Status: StatusError, Message: msg}
	if wrap != nil {
		s.write(w, code, wrap(resp))
		return
	}
	s.write(w, code, resp)
}

func (s *Server) write(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("write response", slog.String("error", err.Error()))
	}
}
