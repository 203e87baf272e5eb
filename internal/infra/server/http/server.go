// Package httpserver exposes the operator control surface: projects, capital,
// risk limits, strategy instances, signal confirmation and order inspection.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/app/strategy"
	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/internal/infra/config"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath = "/healthz"

	strategiesPath = "/strategies"

	projectsPath        = "/projects"
	projectDetailPrefix = projectsPath + "/"

	instancesPath        = "/instances"
	instanceDetailPrefix = instancesPath + "/"

	signalsPath        = "/signals"
	signalDetailPrefix = signalsPath + "/"

	ordersPath        = "/orders"
	orderDetailPrefix = ordersPath + "/"

	historyPrefix    = "/history/"
	configBackupPath = "/config/backup"

	defaultHistoryLimit = 100
)

// Controller is the pipeline surface the handlers drive.
type Controller interface {
	Strategies() []strategy.Definition

	Projects() []schema.Project
	Project(id string) (schema.Project, error)
	UpsertProject(ctx context.Context, project schema.Project, limits *schema.RiskLimit) (schema.Project, error)
	RemoveProject(ctx context.Context, id string) error
	SetProjectEnabled(ctx context.Context, id string, enabled bool) (schema.Project, error)
	Limits(project string) schema.RiskLimit
	UpdateRiskLimits(ctx context.Context, limits schema.RiskLimit) (schema.RiskLimit, error)
	Halted(project string) (schema.HaltEvent, bool)
	ClearHalt(ctx context.Context, project string) (bool, error)
	Flatten(ctx context.Context, project, instrument string) ([]schema.Signal, error)
	Positions(project string) []schema.Position
	Portfolio(project string) (schema.Portfolio, error)
	Account(project string) (schema.Account, error)
	AdjustCapital(ctx context.Context, project string, amount decimal.Decimal, kind schema.BalanceKind, description string) (schema.BalanceTransaction, error)

	Orders(project string) []schema.Order
	Order(id string) (schema.Order, error)
	CancelOrder(ctx context.Context, id string) (schema.Order, error)

	PendingSignals(project string) []schema.Signal
	Signal(id string) (schema.Signal, error)
	ConfirmSignal(ctx context.Context, id string) (schema.Signal, error)
	RejectSignal(ctx context.Context, id string) (schema.Signal, error)

	Instances() []schema.InstanceStatus
	Instance(id string) (schema.InstanceStatus, error)
	StartStrategy(ctx context.Context, spec strategy.Spec) (schema.InstanceStatus, error)
	StopStrategy(ctx context.Context, id string) (schema.InstanceStatus, error)
	UpdateStrategyParams(ctx context.Context, id string, params map[string]any) (schema.InstanceStatus, error)
}

// History reads the persisted audit trail. It is optional.
type History interface {
	ListSignals(ctx context.Context, project string, state schema.SignalState, limit int) ([]schema.Signal, error)
	ListRiskLogs(ctx context.Context, project string, limit int) ([]schema.RiskLogEntry, error)
	ListOrders(ctx context.Context, project string, limit int) ([]schema.Order, error)
	ListFills(ctx context.Context, orderID string) ([]schema.Fill, error)
	ListBalanceTransactions(ctx context.Context, project string, limit int) ([]schema.BalanceTransaction, error)
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	ctrl        Controller
	history     History
}

type strategyView struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
}

type projectPayload struct {
	ID             string            `json:"id"`
	Instruments    []string          `json:"instruments"`
	InitialCapital decimal.Decimal   `json:"initialCapital"`
	Enabled        *bool             `json:"enabled,omitempty"`
	Confirmation   string            `json:"confirmation"`
	AllowOverlap   bool              `json:"allowOverlap"`
	SignalExpiry   string            `json:"signalExpiry,omitempty"`
	Executor       string            `json:"executor"`
	OrderType      string            `json:"orderType"`
	Limits         *schema.RiskLimit `json:"limits,omitempty"`
}

type projectView struct {
	schema.Project
	SignalExpiry string            `json:"signalExpiry"`
	Limits       schema.RiskLimit  `json:"limits"`
	Halt         *schema.HaltEvent `json:"halt,omitempty"`
}

type instancePayload struct {
	ID          string         `json:"id"`
	Project     string         `json:"project"`
	Strategy    string         `json:"strategy"`
	Instruments []string       `json:"instruments"`
	Params      map[string]any `json:"params"`
}

type paramsPayload struct {
	Params map[string]any `json:"params"`
}

type flattenPayload struct {
	Instrument string `json:"instrument"`
}

type capitalPayload struct {
	Kind        string          `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

type accountView struct {
	schema.Account
	Capital decimal.Decimal `json:"capital"`
	Balance decimal.Decimal `json:"balance"`
}

// NewHandler builds the control API. history may be nil when persistence is off.
func NewHandler(environment config.Environment, ctrl Controller, history History) http.Handler {
	server := &httpServer{environment: environment, ctrl: ctrl, history: history}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(strategiesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listStrategies,
	}))

	mux.Handle(projectsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listProjects,
		http.MethodPost: server.createProject,
	}))
	mux.Handle(projectDetailPrefix, http.HandlerFunc(server.handleProject))

	mux.Handle(instancesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listInstances,
		http.MethodPost: server.createInstance,
	}))
	mux.Handle(instanceDetailPrefix, http.HandlerFunc(server.handleInstance))

	mux.Handle(signalsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listPendingSignals,
	}))
	mux.Handle(signalDetailPrefix, http.HandlerFunc(server.handleSignal))

	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listOrders,
	}))
	mux.Handle(orderDetailPrefix, http.HandlerFunc(server.handleOrder))

	mux.Handle(historyPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.handleHistory,
	}))

	mux.Handle(configBackupPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.exportConfigBackup,
		http.MethodPost: server.restoreConfigBackup,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "environment": string(s.environment)})
}

func (s *httpServer) listStrategies(w http.ResponseWriter, _ *http.Request) {
	defs := s.ctrl.Strategies()
	out := make([]strategyView, 0, len(defs))
	for _, def := range defs {
		out = append(out, strategyView{Name: def.Name, Description: def.Description, Kind: def.Kind})
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": out})
}

// Projects.

func (s *httpServer) listProjects(w http.ResponseWriter, _ *http.Request) {
	projects := s.ctrl.Projects()
	out := make([]projectView, 0, len(projects))
	for _, p := range projects {
		out = append(out, s.projectView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func (s *httpServer) createProject(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload projectPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	s.upsertProject(w, r, payload, http.StatusCreated)
}

func (s *httpServer) upsertProject(w http.ResponseWriter, r *http.Request, payload projectPayload, status int) {
	project, err := projectFromPayload(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := s.ctrl.UpsertProject(r.Context(), project, payload.Limits)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, status, s.projectView(saved))
}

func (s *httpServer) handleProject(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, projectDetailPrefix), "/")
	id, action, hasAction := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusNotFound, "project id required")
		return
	}
	if !hasAction {
		s.handleProjectResource(w, r, id)
		return
	}
	s.handleProjectAction(w, r, id, strings.TrimSpace(action))
}

func (s *httpServer) handleProjectResource(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		project, err := s.ctrl.Project(id)
		if err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.projectView(project))
	case http.MethodPut:
		limitRequestBody(w, r)
		var payload projectPayload
		if err := decodeJSON(r, &payload); err != nil {
			writeDecodeError(w, err)
			return
		}
		if payload.ID != "" && payload.ID != id {
			writeError(w, http.StatusBadRequest, "project id mismatch")
			return
		}
		payload.ID = id
		s.upsertProject(w, r, payload, http.StatusOK)
	case http.MethodDelete:
		if err := s.ctrl.RemoveProject(r.Context(), id); err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "id": id})
	default:
		methodNotAllowed(w, http.MethodDelete, http.MethodGet, http.MethodPut)
	}
}

func (s *httpServer) handleProjectAction(w http.ResponseWriter, r *http.Request, id, action string) {
	switch action {
	case "limits":
		s.handleProjectLimits(w, r, id)
		return
	case "positions", "portfolio", "account", "orders", "signals":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		if _, err := s.ctrl.Project(id); err != nil {
			writeControllerError(w, err)
			return
		}
		switch action {
		case "positions":
			writeJSON(w, http.StatusOK, map[string]any{"positions": s.ctrl.Positions(id)})
		case "portfolio":
			portfolio, err := s.ctrl.Portfolio(id)
			if err != nil {
				writeControllerError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, portfolio)
		case "account":
			acct, err := s.ctrl.Account(id)
			if err != nil {
				writeControllerError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, accountView{Account: acct, Capital: acct.Capital(), Balance: acct.Balance()})
		case "orders":
			writeJSON(w, http.StatusOK, map[string]any{"orders": s.ctrl.Orders(id)})
		case "signals":
			writeJSON(w, http.StatusOK, map[string]any{"signals": s.ctrl.PendingSignals(id)})
		}
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	switch action {
	case "enable", "disable":
		project, err := s.ctrl.SetProjectEnabled(r.Context(), id, action == "enable")
		if err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.projectView(project))
	case "clear-halt":
		cleared, err := s.ctrl.ClearHalt(r.Context(), id)
		if err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": id, "cleared": cleared})
	case "flatten":
		limitRequestBody(w, r)
		var payload flattenPayload
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &payload); err != nil {
				writeDecodeError(w, err)
				return
			}
		}
		signals, err := s.ctrl.Flatten(r.Context(), id, payload.Instrument)
		if err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"signals": signals})
	case "capital":
		limitRequestBody(w, r)
		var payload capitalPayload
		if err := decodeJSON(r, &payload); err != nil {
			writeDecodeError(w, err)
			return
		}
		kind := schema.BalanceKind(strings.ToUpper(strings.TrimSpace(payload.Kind)))
		if !kind.Transfer() {
			writeError(w, http.StatusBadRequest, "kind must be DEPOSIT or WITHDRAW")
			return
		}
		tx, err := s.ctrl.AdjustCapital(r.Context(), id, payload.Amount, kind, strings.TrimSpace(payload.Description))
		if err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, tx)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

func (s *httpServer) handleProjectLimits(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		if _, err := s.ctrl.Project(id); err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.ctrl.Limits(id))
	case http.MethodPut:
		limitRequestBody(w, r)
		var limits schema.RiskLimit
		if err := decodeJSON(r, &limits); err != nil {
			writeDecodeError(w, err)
			return
		}
		if limits.Project != "" && limits.Project != id {
			writeError(w, http.StatusBadRequest, "project id mismatch")
			return
		}
		limits.Project = id
		next, err := s.ctrl.UpdateRiskLimits(r.Context(), limits)
		if err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, next)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}

func (s *httpServer) projectView(p schema.Project) projectView {
	view := projectView{Project: p, Limits: s.ctrl.Limits(p.ID)}
	if p.SignalExpiry > 0 {
		view.SignalExpiry = p.SignalExpiry.String()
	}
	if halt, ok := s.ctrl.Halted(p.ID); ok {
		view.Halt = &halt
	}
	return view
}

func projectFromPayload(payload projectPayload) (schema.Project, error) {
	project := schema.Project{
		ID:             strings.TrimSpace(payload.ID),
		Instruments:    payload.Instruments,
		InitialCapital: payload.InitialCapital,
		Enabled:        true,
		Confirmation:   schema.ConfirmationPolicy(strings.ToLower(strings.TrimSpace(payload.Confirmation))),
		AllowOverlap:   payload.AllowOverlap,
		Executor:       strings.TrimSpace(payload.Executor),
		OrderType:      schema.OrderType(strings.ToUpper(strings.TrimSpace(payload.OrderType))),
	}
	if payload.Enabled != nil {
		project.Enabled = *payload.Enabled
	}
	if project.ID == "" {
		return project, errors.New("project id required")
	}
	if len(project.Instruments) == 0 {
		return project, errors.New("at least one instrument required")
	}
	switch project.Confirmation {
	case "", schema.ConfirmAuto, schema.ConfirmManual:
	default:
		return project, errors.New("confirmation must be auto or manual")
	}
	switch project.OrderType {
	case "", schema.OrderTypeMarket, schema.OrderTypeLimit:
	default:
		return project, errors.New("orderType must be MARKET or LIMIT")
	}
	if project.InitialCapital.IsNegative() {
		return project, errors.New("initialCapital must not be negative")
	}
	if raw := strings.TrimSpace(payload.SignalExpiry); raw != "" {
		expiry, err := time.ParseDuration(raw)
		if err != nil || expiry < 0 {
			return project, errors.New("signalExpiry must be a non-negative duration")
		}
		project.SignalExpiry = expiry
	}
	return project, nil
}

// Strategy instances.

func (s *httpServer) listInstances(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"instances": s.ctrl.Instances()})
}

func (s *httpServer) createInstance(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload instancePayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	status, err := s.ctrl.StartStrategy(r.Context(), strategy.Spec{
		ID:          payload.ID,
		Project:     payload.Project,
		Strategy:    payload.Strategy,
		Instruments: payload.Instruments,
		Params:      payload.Params,
	})
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

func (s *httpServer) handleInstance(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, instanceDetailPrefix), "/")
	id, action, hasAction := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusNotFound, "instance id required")
		return
	}
	if !hasAction {
		s.handleInstanceResource(w, r, id)
		return
	}
	s.handleInstanceAction(w, r, id, strings.TrimSpace(action))
}

func (s *httpServer) handleInstanceResource(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		status, err := s.ctrl.Instance(id)
		if err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case http.MethodPut:
		limitRequestBody(w, r)
		var payload paramsPayload
		if err := decodeJSON(r, &payload); err != nil {
			writeDecodeError(w, err)
			return
		}
		status, err := s.ctrl.UpdateStrategyParams(r.Context(), id, payload.Params)
		if err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}

func (s *httpServer) handleInstanceAction(w http.ResponseWriter, r *http.Request, id, action string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var (
		status schema.InstanceStatus
		err    error
	)
	switch action {
	case "start":
		status, err = s.ctrl.Instance(id)
		if err == nil {
			status, err = s.ctrl.StartStrategy(r.Context(), strategy.Spec{
				ID:          status.ID,
				Project:     status.Project,
				Strategy:    status.Strategy,
				Instruments: status.Instruments,
				Params:      status.Params,
			})
		}
	case "stop":
		status, err = s.ctrl.StopStrategy(r.Context(), id)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
		return
	}
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Signals.

func (s *httpServer) listPendingSignals(w http.ResponseWriter, r *http.Request) {
	project := strings.TrimSpace(r.URL.Query().Get("project"))
	writeJSON(w, http.StatusOK, map[string]any{"signals": s.ctrl.PendingSignals(project)})
}

func (s *httpServer) handleSignal(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, signalDetailPrefix), "/")
	id, action, hasAction := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusNotFound, "signal id required")
		return
	}
	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		sig, err := s.ctrl.Signal(id)
		if err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sig)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var (
		sig schema.Signal
		err error
	)
	switch strings.TrimSpace(action) {
	case "confirm":
		sig, err = s.ctrl.ConfirmSignal(r.Context(), id)
	case "reject":
		sig, err = s.ctrl.RejectSignal(r.Context(), id)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
		return
	}
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// Orders.

func (s *httpServer) listOrders(w http.ResponseWriter, r *http.Request) {
	project := strings.TrimSpace(r.URL.Query().Get("project"))
	writeJSON(w, http.StatusOK, map[string]any{"orders": s.ctrl.Orders(project)})
}

func (s *httpServer) handleOrder(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	id, action, hasAction := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}
	switch {
	case !hasAction && r.Method == http.MethodGet:
		order, err := s.ctrl.Order(id)
		if err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, order)
	case !hasAction:
		methodNotAllowed(w, http.MethodGet)
	case action == "cancel" && r.Method == http.MethodPost:
		order, err := s.ctrl.CancelOrder(r.Context(), id)
		if err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, order)
	case action == "cancel":
		methodNotAllowed(w, http.MethodPost)
	case action == "fills" && r.Method == http.MethodGet:
		if s.history == nil {
			writeError(w, http.StatusServiceUnavailable, "history unavailable without a database")
			return
		}
		fills, err := s.history.ListFills(r.Context(), id)
		if err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"fills": fills})
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

// History.

func (s *httpServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history unavailable without a database")
		return
	}
	query := r.URL.Query()
	project := strings.TrimSpace(query.Get("project"))
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	switch strings.Trim(strings.TrimPrefix(r.URL.Path, historyPrefix), "/") {
	case "signals":
		state := schema.SignalState(strings.ToUpper(strings.TrimSpace(query.Get("state"))))
		signals, err := s.history.ListSignals(r.Context(), project, state, limit)
		if err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"signals": signals})
	case "risk-logs":
		logs, err := s.history.ListRiskLogs(r.Context(), project, limit)
		if err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"riskLogs": logs})
	case "orders":
		orders, err := s.history.ListOrders(r.Context(), project, limit)
		if err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
	case "balances":
		txs, err := s.history.ListBalanceTransactions(r.Context(), project, limit)
		if err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"balances": txs})
	default:
		writeError(w, http.StatusNotFound, "unknown history collection")
	}
}

func writeControllerError(w http.ResponseWriter, err error) {
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case errs.CodeConflict:
		writeError(w, http.StatusConflict, err.Error())
	case errs.CodeVenue:
		writeError(w, http.StatusBadGateway, err.Error())
	case errs.CodeTimeout:
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errs.CodeUnavailable:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
