package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"

	"github.com/prism-data/pattern-launcher/pkg/isolation"
	"github.com/prism-data/pattern-launcher/pkg/launcher"
)

// Launcher is the slice of the launcher service the control API
// drives. *launcher.Service satisfies it.
type Launcher interface {
	Launch(ctx context.Context, req launcher.LaunchRequest) (isolation.Handle, error)
	Get(processID string) (isolation.Handle, bool)
	List(filter isolation.Filter) []isolation.Handle
	Terminate(ctx context.Context, processID string, gracePeriod time.Duration) error
	Health(includeProcesses bool) launcher.HealthStatus
	Patterns() []*launcher.Manifest
	ReloadManifests() error
}

// Server exposes a Launcher as a NATS micro service.
type Server struct {
	nc       *nats.Conn
	svc      micro.Service
	launcher Launcher
	logger   *slog.Logger

	// requestTimeout bounds launch and terminate handling. Launches
	// that queue behind the creation cap give up at this deadline.
	requestTimeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRequestTimeout bounds per-request handling time.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer registers the control endpoints on the given connection.
// The service is live when NewServer returns.
func NewServer(nc *nats.Conn, l Launcher, version string, opts ...ServerOption) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		nc:             nc,
		launcher:       l,
		logger:         slog.Default(),
		requestTimeout: 60 * time.Second,
		baseCtx:        ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	if version == "" {
		version = "0.0.0"
	}

	svc, err := micro.AddService(nc, micro.Config{
		Name:        "pattern-launcher",
		Version:     version,
		Description: "Pattern process launcher control API",
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.svc = svc

	endpoints := []struct {
		name    string
		subject string
		handler micro.HandlerFunc
	}{
		{"Launch", SubjectLaunch, s.handleLaunch},
		{"List", SubjectList, s.handleList},
		{"Terminate", SubjectTerminate, s.handleTerminate},
		{"Status", SubjectStatus, s.handleStatus},
		{"Health", SubjectHealth, s.handleHealth},
		{"Patterns", SubjectPatterns, s.handlePatterns},
		{"Reload", SubjectReload, s.handleReload},
	}
	for _, ep := range endpoints {
		// Dispatch on a fresh goroutine per request: the subscription
		// delivers serially, and a blocking launch must not stall
		// requests for other keys.
		handler := ep.handler
		if err := svc.AddEndpoint(ep.name,
			micro.HandlerFunc(func(r micro.Request) { go handler(r) }),
			micro.WithEndpointSubject(ep.subject)); err != nil {
			svc.Stop()
			cancel()
			return nil, err
		}
	}

	s.logger.Info("control API listening", "subject_prefix", SubjectPrefix)
	return s, nil
}

// Stop deregisters the service.
func (s *Server) Stop() error {
	s.cancel()
	return s.svc.Stop()
}

func (s *Server) handleLaunch(r micro.Request) {
	var req LaunchRequest
	if err := json.Unmarshal(r.Data(), &req); err != nil {
		s.respondError(r, "400", "failed to unmarshal launch request", err)
		return
	}

	var level *isolation.Level
	if req.Isolation != "" {
		parsed, err := isolation.ParseLevel(req.Isolation)
		if err != nil {
			s.respondError(r, "400", "invalid isolation level", err)
			return
		}
		level = &parsed
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, s.requestTimeout)
	defer cancel()

	handle, err := s.launcher.Launch(ctx, launcher.LaunchRequest{
		PatternName: req.PatternName,
		Isolation:   level,
		Namespace:   req.Namespace,
		SessionID:   req.SessionID,
		Config:      req.Config,
	})
	if err != nil {
		s.respondError(r, string(errorCode(err)), "launch failed", err)
		return
	}

	s.respond(r, LaunchResponse{Process: handleToInfo(handle)})
}

func (s *Server) handleList(r micro.Request) {
	var req ListRequest
	if len(r.Data()) > 0 {
		if err := json.Unmarshal(r.Data(), &req); err != nil {
			s.respondError(r, "400", "failed to unmarshal list request", err)
			return
		}
	}

	handles := s.launcher.List(isolation.Filter{
		PatternName: req.PatternName,
		Namespace:   req.Namespace,
	})

	processes := make([]ProcessInfo, 0, len(handles))
	for _, h := range handles {
		processes = append(processes, handleToInfo(h))
	}

	s.respond(r, ListResponse{Processes: processes, TotalCount: len(processes)})
}

func (s *Server) handleTerminate(r micro.Request) {
	var req TerminateRequest
	if err := json.Unmarshal(r.Data(), &req); err != nil {
		s.respondError(r, "400", "failed to unmarshal terminate request", err)
		return
	}
	if req.ProcessID == "" {
		s.respondError(r, "400", "process_id is required", nil)
		return
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, s.requestTimeout)
	defer cancel()

	grace := time.Duration(req.GracePeriodSecs) * time.Second
	if err := s.launcher.Terminate(ctx, req.ProcessID, grace); err != nil {
		s.respond(r, TerminateResponse{Success: false, Error: err.Error()})
		return
	}

	s.respond(r, TerminateResponse{Success: true})
}

func (s *Server) handleStatus(r micro.Request) {
	var req StatusRequest
	if err := json.Unmarshal(r.Data(), &req); err != nil {
		s.respondError(r, "400", "failed to unmarshal status request", err)
		return
	}

	handle, ok := s.launcher.Get(req.ProcessID)
	if !ok {
		s.respond(r, StatusResponse{NotFound: true})
		return
	}

	info := handleToInfo(handle)
	s.respond(r, StatusResponse{Process: &info})
}

func (s *Server) handleHealth(r micro.Request) {
	var req HealthRequest
	if len(r.Data()) > 0 {
		if err := json.Unmarshal(r.Data(), &req); err != nil {
			s.respondError(r, "400", "failed to unmarshal health request", err)
			return
		}
	}

	health := s.launcher.Health(req.IncludeProcesses)

	resp := HealthResponse{
		Healthy:       health.Healthy,
		UptimeSeconds: health.UptimeSeconds,
		PatternsKnown: health.PatternsKnown,
		Total:         health.Total,
		Starting:      health.Starting,
		Running:       health.Running,
		Terminating:   health.Terminating,
		Failed:        health.Failed,
		ByIsolation:   health.ByIsolation,
	}
	for _, h := range health.Processes {
		resp.Processes = append(resp.Processes, handleToInfo(h))
	}

	s.respond(r, resp)
}

func (s *Server) handlePatterns(r micro.Request) {
	manifests := s.launcher.Patterns()
	patterns := make([]PatternInfo, 0, len(manifests))
	for _, m := range manifests {
		patterns = append(patterns, PatternInfo{
			Name:           m.Name,
			Version:        m.Version,
			IsolationLevel: m.IsolationLevel,
			Description:    m.Description,
		})
	}
	s.respond(r, PatternsResponse{Patterns: patterns})
}

func (s *Server) handleReload(r micro.Request) {
	if err := s.launcher.ReloadManifests(); err != nil {
		s.respond(r, ReloadResponse{Success: false, Error: err.Error()})
		return
	}
	s.respond(r, ReloadResponse{
		Success:       true,
		PatternsKnown: len(s.launcher.Patterns()),
	})
}

func (s *Server) respond(r micro.Request, payload any) {
	if err := r.RespondJSON(payload); err != nil {
		s.logger.Error("failed to respond", "subject", r.Subject(), "error", err)
	}
}

func (s *Server) respondError(r micro.Request, code, description string, cause error) {
	data := []byte("{}")
	if cause != nil {
		data, _ = json.Marshal(map[string]string{"error": cause.Error()})
		s.logger.Warn("request failed",
			"subject", r.Subject(), "code", code, "error", cause)
	}
	if err := r.Error(code, description, data); err != nil {
		s.logger.Error("failed to respond with error", "subject", r.Subject(), "error", err)
	}
}

// errorCode maps launcher error taxonomy onto wire codes.
func errorCode(err error) launcher.ErrorCode {
	if code := launcher.GetErrorCode(err); code != "" {
		return code
	}
	return launcher.ErrorCodeInternalError
}
