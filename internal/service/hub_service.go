package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bcrosbie/personaliz/internal/domain"
	"github.com/bcrosbie/personaliz/internal/poller"
	"github.com/bcrosbie/personaliz/internal/redact"
	"github.com/bcrosbie/personaliz/internal/schedule"
	"github.com/bcrosbie/personaliz/internal/settings"
	"github.com/bcrosbie/personaliz/internal/store"
	"go.uber.org/zap"
)

var validHandlerTypes = map[string]struct{}{
	domain.HandlerPolling:  {},
	domain.HandlerWeb:      {},
	domain.HandlerPeriodic: {},
}

type Dependencies struct {
	Store     store.Store
	Poller    *poller.Poller
	Settings  *settings.FileStore
	Executor  *Executor
	Scheduler *AgentScheduler
	Logger    *zap.Logger
	StoreName string
	Now       func() time.Time
}

// HubService is the command surface over the store, the poller, the
// settings file, and agent execution.
type HubService struct {
	store     store.Store
	poller    *poller.Poller
	settings  *settings.FileStore
	executor  *Executor
	scheduler *AgentScheduler
	validator *configValidator
	logger    *zap.Logger
	storeName string
	now       func() time.Time
}

func NewHubService(deps Dependencies) *HubService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	executor := deps.Executor
	if executor == nil {
		executor = NewExecutor(deps.Store, ExecutorOptions{}, logger)
	}
	return &HubService{
		store:     deps.Store,
		poller:    deps.Poller,
		settings:  deps.Settings,
		executor:  executor,
		scheduler: deps.Scheduler,
		validator: mustConfigValidator(),
		logger:    logger.With(zap.String("component", "hub")),
		storeName: deps.StoreName,
		now:       now,
	}
}

type AgentInput struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Role         string   `json:"role"`
	Goal         string   `json:"goal"`
	Tools        []string `json:"tools"`
	Schedule     string   `json:"schedule"`
	ScheduleTime string   `json:"schedule_time"`
	Command      string   `json:"command"`
	Args         []string `json:"args"`
	Timeout      int64    `json:"timeout"`
	ConfigJSON   string   `json:"config_json"`
	IsActive     *bool    `json:"is_active"`
}

type CreateAgentRequest struct {
	AgentInput
}

type UpdateAgentRequest struct {
	ID int64 `json:"id"`
	AgentInput
}

type AgentIDRequest struct {
	ID int64 `json:"id"`
}

type AgentNameRequest struct {
	Name string `json:"name"`
}

type LogAgentEventRequest struct {
	AgentID int64 `json:"agent_id"`
	// AgentName is recorded when agent_id no longer resolves to an agent.
	AgentName string `json:"agent_name"`
	EventType string `json:"event_type"`
	Message   string `json:"message"`
	Details   string `json:"details"`
}

type ListAgentLogsRequest struct {
	AgentID *int64 `json:"agent_id"`
	Limit   int    `json:"limit"`
}

type CreateEventHandlerRequest struct {
	Name            string `json:"name"`
	EventType       string `json:"event_type"`
	URL             string `json:"url"`
	IntervalSeconds int64  `json:"interval_seconds"`
	ConfigJSON      string `json:"config_json"`
	IsActive        *bool  `json:"is_active"`
}

type HandlerIDRequest struct {
	ID int64 `json:"id"`
}

type SetHandlerActiveRequest struct {
	ID     int64 `json:"id"`
	Active bool  `json:"active"`
}

type LoadSettingsRequest struct {
	Reveal bool `json:"reveal"`
}

// AgentView is an agent plus its next scheduled activation, when known.
type AgentView struct {
	domain.Agent
	NextRun *string `json:"next_run"`
}

type PollerStatus struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
}

func (h *HubService) Health(ctx context.Context) map[string]any {
	status := "ok"
	storeStatus := "ok"
	if err := h.store.Ping(ctx); err != nil {
		status = "degraded"
		storeStatus = err.Error()
	}
	health := map[string]any{
		"status":   status,
		"store":    h.storeName,
		"store_ok": storeStatus,
		"time_utc": domain.FormatTime(h.now()),
	}
	if h.poller != nil {
		health["poller"] = h.poller.Status()
	}
	return health
}

func (h *HubService) CreateAgent(ctx context.Context, request CreateAgentRequest) (AgentView, error) {
	agent, err := h.agentFromInput(request.AgentInput)
	if err != nil {
		return AgentView{}, err
	}

	id, err := h.store.CreateAgent(ctx, agent)
	if err != nil {
		return AgentView{}, err
	}
	created, found, err := h.store.GetAgentByID(ctx, id)
	if err != nil {
		return AgentView{}, err
	}
	if !found {
		return AgentView{}, domain.Internal("created agent vanished", nil)
	}

	if _, err := h.store.LogAgentEvent(ctx, domain.AgentLog{
		AgentID:   created.ID,
		AgentName: created.Name,
		EventType: domain.LogEventCreated,
		Message:   fmt.Sprintf("Agent %s created", created.Name),
	}); err != nil {
		h.logger.Warn("failed to log agent creation", zap.String("agent", created.Name), zap.Error(err))
	}
	h.reloadScheduler(ctx)
	return h.view(created), nil
}

func (h *HubService) ListAgents(ctx context.Context) ([]AgentView, error) {
	agents, err := h.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]AgentView, 0, len(agents))
	for _, agent := range agents {
		views = append(views, h.view(agent))
	}
	return views, nil
}

func (h *HubService) GetAgentByName(ctx context.Context, request AgentNameRequest) (AgentView, error) {
	name := strings.TrimSpace(request.Name)
	if name == "" {
		return AgentView{}, domain.InvalidArgument("name is required")
	}
	agent, found, err := h.store.GetAgentByName(ctx, name)
	if err != nil {
		return AgentView{}, err
	}
	if !found {
		return AgentView{}, domain.NotFound(fmt.Sprintf("agent %q not found", name))
	}
	return h.view(agent), nil
}

func (h *HubService) UpdateAgent(ctx context.Context, request UpdateAgentRequest) (AgentView, error) {
	if request.ID <= 0 {
		return AgentView{}, domain.InvalidArgument("id is required")
	}
	agent, err := h.agentFromInput(request.AgentInput)
	if err != nil {
		return AgentView{}, err
	}
	if err := h.store.UpdateAgent(ctx, request.ID, agent); err != nil {
		return AgentView{}, err
	}
	updated, found, err := h.store.GetAgentByID(ctx, request.ID)
	if err != nil {
		return AgentView{}, err
	}
	if !found {
		return AgentView{}, domain.NotFound(fmt.Sprintf("agent %d not found", request.ID))
	}
	h.reloadScheduler(ctx)
	return h.view(updated), nil
}

// DeleteAgent removes the agent row; its log history is kept.
func (h *HubService) DeleteAgent(ctx context.Context, request AgentIDRequest) error {
	if request.ID <= 0 {
		return domain.InvalidArgument("id is required")
	}
	if err := h.store.DeleteAgent(ctx, request.ID); err != nil {
		return err
	}
	h.reloadScheduler(ctx)
	return nil
}

func (h *HubService) LogAgentEvent(ctx context.Context, request LogAgentEventRequest) (domain.AgentLog, error) {
	if request.AgentID <= 0 {
		return domain.AgentLog{}, domain.InvalidArgument("agent_id is required")
	}
	eventType := strings.TrimSpace(request.EventType)
	message := strings.TrimSpace(request.Message)
	if eventType == "" || message == "" {
		return domain.AgentLog{}, domain.InvalidArgument("event_type and message are required")
	}
	details, err := validateDetails(request.Details)
	if err != nil {
		return domain.AgentLog{}, err
	}

	agentName := strings.TrimSpace(request.AgentName)
	agent, found, err := h.store.GetAgentByID(ctx, request.AgentID)
	if err != nil {
		return domain.AgentLog{}, err
	}
	if found {
		agentName = agent.Name
	}

	log := domain.AgentLog{
		AgentID:   request.AgentID,
		AgentName: agentName,
		EventType: eventType,
		Message:   message,
		Details:   details,
	}
	id, err := h.store.LogAgentEvent(ctx, log)
	if err != nil {
		return domain.AgentLog{}, err
	}
	log.ID = id
	return log, nil
}

func (h *HubService) ListAgentLogs(ctx context.Context, request ListAgentLogsRequest) ([]domain.AgentLog, error) {
	return h.store.ListAgentLogs(ctx, request.AgentID, store.ClampLogLimit(request.Limit))
}

func (h *HubService) RunAgent(ctx context.Context, request AgentNameRequest) (RunOutcome, error) {
	name := strings.TrimSpace(request.Name)
	if name == "" {
		return RunOutcome{}, domain.InvalidArgument("name is required")
	}
	agent, found, err := h.store.GetAgentByName(ctx, name)
	if err != nil {
		return RunOutcome{}, err
	}
	if !found {
		return RunOutcome{}, domain.NotFound(fmt.Sprintf("agent %q not found", name))
	}
	return h.executor.Run(ctx, agent, TriggerManual), nil
}

func (h *HubService) CreateEventHandler(ctx context.Context, request CreateEventHandlerRequest) (domain.EventHandler, error) {
	name := strings.TrimSpace(request.Name)
	if name == "" {
		return domain.EventHandler{}, domain.InvalidArgument("name is required")
	}
	eventType := strings.ToLower(strings.TrimSpace(request.EventType))
	if _, ok := validHandlerTypes[eventType]; !ok {
		return domain.EventHandler{}, domain.InvalidArgument("event_type must be one of: polling, web, periodic")
	}
	if request.IntervalSeconds <= 0 {
		return domain.EventHandler{}, domain.InvalidArgument("interval_seconds must be positive")
	}
	url := domain.OptionalString(request.URL)
	if url == nil && eventType != domain.HandlerPeriodic {
		return domain.EventHandler{}, domain.InvalidArgument(fmt.Sprintf("url is required for %s handlers", eventType))
	}
	config, err := normalizeConfig(h.validator.handler, request.ConfigJSON)
	if err != nil {
		return domain.EventHandler{}, err
	}

	handler := domain.EventHandler{
		Name:            name,
		EventType:       eventType,
		URL:             url,
		IntervalSeconds: request.IntervalSeconds,
		IsActive:        boolOrDefault(request.IsActive, true),
		ConfigJSON:      config,
	}
	id, err := h.store.CreateEventHandler(ctx, handler)
	if err != nil {
		return domain.EventHandler{}, err
	}
	handler.ID = id
	return handler, nil
}

// ListEventHandlers returns the handlers the poller would evaluate.
func (h *HubService) ListEventHandlers(ctx context.Context) ([]domain.EventHandler, error) {
	return h.store.ListEventHandlers(ctx)
}

func (h *HubService) ListAllEventHandlers(ctx context.Context) ([]domain.EventHandler, error) {
	return h.store.ListAllEventHandlers(ctx)
}

func (h *HubService) SetEventHandlerActive(ctx context.Context, request SetHandlerActiveRequest) error {
	if request.ID <= 0 {
		return domain.InvalidArgument("id is required")
	}
	return h.store.SetEventHandlerActive(ctx, request.ID, request.Active)
}

func (h *HubService) UpdateEventHandlerLastCheck(ctx context.Context, request HandlerIDRequest) (bool, error) {
	if request.ID <= 0 {
		return false, domain.InvalidArgument("id is required")
	}
	return h.store.UpdateEventHandlerLastCheck(ctx, request.ID)
}

func (h *HubService) DeleteEventHandler(ctx context.Context, request HandlerIDRequest) error {
	if request.ID <= 0 {
		return domain.InvalidArgument("id is required")
	}
	return h.store.DeleteEventHandler(ctx, request.ID)
}

func (h *HubService) StartPoller() (PollerStatus, error) {
	if h.poller == nil {
		return PollerStatus{}, domain.Unavailable("event poller is not configured", nil)
	}
	status := h.poller.Start()
	return PollerStatus{Status: status, Running: h.poller.Running()}, nil
}

func (h *HubService) StopPoller() (PollerStatus, error) {
	if h.poller == nil {
		return PollerStatus{}, domain.Unavailable("event poller is not configured", nil)
	}
	status := h.poller.Stop()
	return PollerStatus{Status: status, Running: h.poller.Running()}, nil
}

func (h *HubService) PollerStatus() PollerStatus {
	if h.poller == nil {
		return PollerStatus{Status: poller.StatusNotRunning}
	}
	return PollerStatus{Status: h.poller.Status(), Running: h.poller.Running()}
}

// LoadSettings masks the API key unless request.Reveal is set.
func (h *HubService) LoadSettings(request LoadSettingsRequest) (domain.Settings, error) {
	if h.settings == nil {
		return domain.DefaultSettings(), nil
	}
	doc, err := h.settings.Load()
	if err != nil {
		return domain.Settings{}, err
	}
	if !request.Reveal {
		doc.LLMAPIKey = redact.MaskKey(doc.LLMAPIKey)
	}
	return doc, nil
}

func (h *HubService) SaveSettings(request domain.Settings) (domain.Settings, error) {
	if h.settings == nil {
		return domain.Settings{}, domain.Unavailable("settings file is not configured", nil)
	}
	request.LLMProvider = strings.TrimSpace(request.LLMProvider)
	request.LLMModel = strings.TrimSpace(request.LLMModel)
	request.LLMEndpoint = strings.TrimSpace(request.LLMEndpoint)
	saved, err := h.settings.Save(request)
	if err != nil {
		return domain.Settings{}, err
	}
	saved.LLMAPIKey = redact.MaskKey(saved.LLMAPIKey)
	return saved, nil
}

func (h *HubService) ListSettings(ctx context.Context) ([]domain.Setting, error) {
	return h.store.ListSettings(ctx)
}

func (h *HubService) PutSetting(ctx context.Context, key, value string) (domain.Setting, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Setting{}, domain.InvalidArgument("key is required")
	}
	if err := h.store.PutSetting(ctx, key, value); err != nil {
		return domain.Setting{}, err
	}
	setting, _, err := h.store.GetSetting(ctx, key)
	return setting, err
}

func (h *HubService) GetSetting(ctx context.Context, key string) (domain.Setting, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Setting{}, domain.InvalidArgument("key is required")
	}
	setting, found, err := h.store.GetSetting(ctx, key)
	if err != nil {
		return domain.Setting{}, err
	}
	if !found {
		return domain.Setting{}, domain.NotFound(fmt.Sprintf("setting %q not found", key))
	}
	return setting, nil
}

func (h *HubService) agentFromInput(input AgentInput) (domain.Agent, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return domain.Agent{}, domain.InvalidArgument("name is required")
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return domain.Agent{}, domain.InvalidArgument("command is required")
	}
	if input.Timeout < 0 {
		return domain.Agent{}, domain.InvalidArgument("timeout must be non-negative")
	}

	scheduleName := strings.TrimSpace(input.Schedule)
	if scheduleName == "" {
		scheduleName = "daily"
	}
	scheduleTime := domain.OptionalString(input.ScheduleTime)
	if _, _, err := schedule.Parse(scheduleName, scheduleTime); err != nil {
		return domain.Agent{}, err
	}

	tools, err := encodeList(input.Tools)
	if err != nil {
		return domain.Agent{}, err
	}
	args, err := encodeArgs(input.Args)
	if err != nil {
		return domain.Agent{}, err
	}
	config, err := normalizeConfig(h.validator.agent, input.ConfigJSON)
	if err != nil {
		return domain.Agent{}, err
	}

	return domain.Agent{
		Name:         name,
		Description:  domain.OptionalString(input.Description),
		Role:         domain.OptionalString(input.Role),
		Goal:         domain.OptionalString(input.Goal),
		Tools:        tools,
		Schedule:     scheduleName,
		ScheduleTime: scheduleTime,
		Command:      command,
		Args:         args,
		Timeout:      input.Timeout,
		ConfigJSON:   config,
		IsActive:     boolOrDefault(input.IsActive, true),
	}, nil
}

func (h *HubService) view(agent domain.Agent) AgentView {
	view := AgentView{Agent: agent}
	if h.scheduler != nil {
		if next, ok := h.scheduler.NextRun(agent.ID); ok {
			view.NextRun = &next
			return view
		}
	}
	if agent.IsActive {
		if next, err := schedule.Next(agent, h.now()); err == nil {
			formatted := domain.FormatTime(next)
			view.NextRun = &formatted
		}
	}
	return view
}

func (h *HubService) reloadScheduler(ctx context.Context) {
	if h.scheduler == nil {
		return
	}
	if err := h.scheduler.Reload(ctx); err != nil {
		h.logger.Warn("failed to reload agent scheduler", zap.Error(err))
	}
}

func boolOrDefault(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}
