package httpx

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bcrosbie/personaliz/internal/domain"
	"github.com/bcrosbie/personaliz/internal/metrics"
	"github.com/bcrosbie/personaliz/internal/rpccontract"
	"github.com/bcrosbie/personaliz/internal/service"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 * 1024

type Options struct {
	AuthToken string
	Logger    *zap.Logger
}

type api struct {
	hub    *service.HubService
	token  string
	logger *zap.Logger
}

func NewServer(addr string, hub *service.HubService, opts Options) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(hub, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewRouter exposes the command surface as JSON under /api plus /healthz and
// /metrics.
func NewRouter(hub *service.HubService, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &api{hub: hub, token: opts.AuthToken, logger: logger.With(zap.String("component", "http"))}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(a.requestLogger)
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.Health(r.Context()))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(limitBody)
		r.Use(a.requireTokenForWrites)

		r.Get("/agents", a.listAgents)
		r.Post("/agents", a.createAgent)
		// {agent} is a name for reads and runs, a numeric id for writes.
		r.Get("/agents/{agent}", a.getAgent)
		r.Post("/agents/{agent}/run", a.runAgent)
		r.Put("/agents/{agent}", a.updateAgent)
		r.Delete("/agents/{agent}", a.deleteAgent)

		r.Get("/logs", a.listLogs)
		r.Post("/logs", a.logEvent)

		r.Get("/handlers", a.listHandlers)
		r.Post("/handlers", a.createHandler)
		r.Put("/handlers/{id}/active", a.setHandlerActive)
		r.Post("/handlers/{id}/check", a.touchHandler)
		r.Delete("/handlers/{id}", a.deleteHandler)

		r.Get("/poller", a.pollerStatus)
		r.Post("/poller/start", a.startPoller)
		r.Post("/poller/stop", a.stopPoller)

		r.Get("/settings", a.getSettings)
		r.Put("/settings", a.saveSettings)
		r.Get("/kv", a.listKV)
		r.Get("/kv/{key}", a.getKV)
		r.Put("/kv/{key}", a.putKV)
	})
	return r
}

func (a *api) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.hub.ListAgents(r.Context())
	respond(w, http.StatusOK, agents, err)
}

func (a *api) createAgent(w http.ResponseWriter, r *http.Request) {
	var request service.CreateAgentRequest
	if !decodeBody(w, r, &request) {
		return
	}
	created, err := a.hub.CreateAgent(r.Context(), request)
	respond(w, http.StatusCreated, created, err)
}

func (a *api) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := a.hub.GetAgentByName(r.Context(), service.AgentNameRequest{Name: chi.URLParam(r, "agent")})
	respond(w, http.StatusOK, agent, err)
}

func (a *api) runAgent(w http.ResponseWriter, r *http.Request) {
	outcome, err := a.hub.RunAgent(r.Context(), service.AgentNameRequest{Name: chi.URLParam(r, "agent")})
	respond(w, http.StatusOK, outcome, err)
}

func (a *api) updateAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "agent")
	if !ok {
		return
	}
	var request service.UpdateAgentRequest
	if !decodeBody(w, r, &request) {
		return
	}
	request.ID = id
	updated, err := a.hub.UpdateAgent(r.Context(), request)
	respond(w, http.StatusOK, updated, err)
}

func (a *api) deleteAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "agent")
	if !ok {
		return
	}
	err := a.hub.DeleteAgent(r.Context(), service.AgentIDRequest{ID: id})
	respond(w, http.StatusOK, map[string]any{"ok": true}, err)
}

func (a *api) listLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var request service.ListAgentLogsRequest
	if raw := strings.TrimSpace(query.Get("agent_id")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, domain.InvalidArgument("agent_id must be an integer"))
			return
		}
		request.AgentID = &parsed
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, domain.InvalidArgument("limit must be an integer"))
			return
		}
		request.Limit = parsed
	}
	logs, err := a.hub.ListAgentLogs(r.Context(), request)
	respond(w, http.StatusOK, logs, err)
}

func (a *api) logEvent(w http.ResponseWriter, r *http.Request) {
	var request service.LogAgentEventRequest
	if !decodeBody(w, r, &request) {
		return
	}
	logged, err := a.hub.LogAgentEvent(r.Context(), request)
	respond(w, http.StatusCreated, logged, err)
}

func (a *api) listHandlers(w http.ResponseWriter, r *http.Request) {
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		handlers, err := a.hub.ListAllEventHandlers(r.Context())
		respond(w, http.StatusOK, handlers, err)
		return
	}
	handlers, err := a.hub.ListEventHandlers(r.Context())
	respond(w, http.StatusOK, handlers, err)
}

func (a *api) createHandler(w http.ResponseWriter, r *http.Request) {
	var request service.CreateEventHandlerRequest
	if !decodeBody(w, r, &request) {
		return
	}
	created, err := a.hub.CreateEventHandler(r.Context(), request)
	respond(w, http.StatusCreated, created, err)
}

func (a *api) setHandlerActive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var request service.SetHandlerActiveRequest
	if !decodeBody(w, r, &request) {
		return
	}
	request.ID = id
	err := a.hub.SetEventHandlerActive(r.Context(), request)
	respond(w, http.StatusOK, map[string]any{"ok": true}, err)
}

func (a *api) touchHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	updated, err := a.hub.UpdateEventHandlerLastCheck(r.Context(), service.HandlerIDRequest{ID: id})
	respond(w, http.StatusOK, map[string]any{"updated": updated}, err)
}

func (a *api) deleteHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	err := a.hub.DeleteEventHandler(r.Context(), service.HandlerIDRequest{ID: id})
	respond(w, http.StatusOK, map[string]any{"ok": true}, err)
}

func (a *api) pollerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.hub.PollerStatus())
}

func (a *api) startPoller(w http.ResponseWriter, r *http.Request) {
	status, err := a.hub.StartPoller()
	respond(w, http.StatusOK, status, err)
}

func (a *api) stopPoller(w http.ResponseWriter, r *http.Request) {
	status, err := a.hub.StopPoller()
	respond(w, http.StatusOK, status, err)
}

func (a *api) getSettings(w http.ResponseWriter, r *http.Request) {
	reveal, _ := strconv.ParseBool(r.URL.Query().Get("reveal"))
	if reveal && !a.tokenMatches(r) {
		writeError(w, domain.Unauthenticated("revealing the api key requires the auth token"))
		return
	}
	doc, err := a.hub.LoadSettings(service.LoadSettingsRequest{Reveal: reveal})
	respond(w, http.StatusOK, doc, err)
}

func (a *api) saveSettings(w http.ResponseWriter, r *http.Request) {
	var request domain.Settings
	if !decodeBody(w, r, &request) {
		return
	}
	saved, err := a.hub.SaveSettings(request)
	respond(w, http.StatusOK, saved, err)
}

func (a *api) listKV(w http.ResponseWriter, r *http.Request) {
	items, err := a.hub.ListSettings(r.Context())
	respond(w, http.StatusOK, items, err)
}

func (a *api) getKV(w http.ResponseWriter, r *http.Request) {
	setting, err := a.hub.GetSetting(r.Context(), chi.URLParam(r, "key"))
	respond(w, http.StatusOK, setting, err)
}

func (a *api) putKV(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Value string `json:"value"`
	}
	if !decodeBody(w, r, &request) {
		return
	}
	setting, err := a.hub.PutSetting(r.Context(), chi.URLParam(r, "key"), request.Value)
	respond(w, http.StatusOK, setting, err)
}

func (a *api) requireTokenForWrites(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead && !a.tokenMatches(r) {
			writeError(w, domain.Unauthenticated("invalid authentication token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) tokenMatches(r *http.Request) bool {
	if a.token == "" {
		return true
	}
	presented := strings.TrimSpace(r.Header.Get(rpccontract.TokenHeader))
	if presented == "" {
		presented = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(a.token)) == 1
}

func (a *api) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			a.logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("latency", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
			metrics.ObserveRequest("http", r.Method+" "+route, strconv.Itoa(status), start)
		}()

		next.ServeHTTP(ww, r)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "request body too large"})
			return false
		}
		writeError(w, domain.InvalidArgument("request body must be a JSON object"))
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, domain.InvalidArgument("id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, payload)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{"error": errorMessage(err)})
}

func statusFor(err error) int {
	appError, ok := domain.AsAppError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch appError.Code {
	case domain.CodeInvalidArgument:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeExternalCheckFailed:
		return http.StatusBadGateway
	case domain.CodeUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	if appError, ok := domain.AsAppError(err); ok {
		return appError.Message
	}
	return "internal server error"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
