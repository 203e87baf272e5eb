package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/app/strategy"
	"github.com/coachpo/quantflow/internal/domain/schema"
)

const backupVersion = "1"

// ConfigBackup is the operator configuration snapshot: projects with their
// limits, and strategy instances with their desired run state.
type ConfigBackup struct {
	Version     string           `json:"version"`
	GeneratedAt time.Time        `json:"generatedAt"`
	Environment string           `json:"environment"`
	Projects    []projectPayload `json:"projects"`
	Instances   []InstanceBackup `json:"instances"`
}

// InstanceBackup captures one strategy instance.
type InstanceBackup struct {
	ID          string         `json:"id"`
	Project     string         `json:"project"`
	Strategy    string         `json:"strategy"`
	Instruments []string       `json:"instruments"`
	Params      map[string]any `json:"params,omitempty"`
	Running     bool           `json:"running"`
}

func buildBackupPayload(server *httpServer) (ConfigBackup, error) {
	if server == nil || server.ctrl == nil {
		return ConfigBackup{}, fmt.Errorf("controller unavailable")
	}
	projects := server.ctrl.Projects()
	payload := ConfigBackup{
		Version:     backupVersion,
		GeneratedAt: time.Now().UTC(),
		Environment: string(server.environment),
		Projects:    make([]projectPayload, 0, len(projects)),
	}
	for _, p := range projects {
		enabled := p.Enabled
		limits := server.ctrl.Limits(p.ID)
		entry := projectPayload{
			ID:             p.ID,
			Instruments:    p.Instruments,
			InitialCapital: p.InitialCapital,
			Enabled:        &enabled,
			Confirmation:   string(p.Confirmation),
			AllowOverlap:   p.AllowOverlap,
			Executor:       p.Executor,
			OrderType:      string(p.OrderType),
			Limits:         &limits,
		}
		if p.SignalExpiry > 0 {
			entry.SignalExpiry = p.SignalExpiry.String()
		}
		payload.Projects = append(payload.Projects, entry)
	}
	for _, st := range server.ctrl.Instances() {
		payload.Instances = append(payload.Instances, InstanceBackup{
			ID:          st.ID,
			Project:     st.Project,
			Strategy:    st.Strategy,
			Instruments: st.Instruments,
			Params:      st.Params,
			Running:     st.State == schema.InstanceRunning || st.State == schema.InstanceStarting,
		})
	}
	return payload, nil
}

// applyBackup is additive: projects and instances missing from the payload are
// left alone.
func (s *httpServer) applyBackup(ctx context.Context, payload ConfigBackup) error {
	projects := make([]schema.Project, 0, len(payload.Projects))
	for _, entry := range payload.Projects {
		project, err := projectFromPayload(entry)
		if err != nil {
			return errs.New("backup", errs.CodeInvalid, errs.WithEntityID(entry.ID), errs.WithCause(err))
		}
		projects = append(projects, project)
	}

	for i, project := range projects {
		var limits *schema.RiskLimit
		if l := payload.Projects[i].Limits; l != nil {
			next := *l
			next.Version = 0
			limits = &next
		}
		if _, err := s.ctrl.UpsertProject(ctx, project, limits); err != nil {
			return fmt.Errorf("project %s: %w", project.ID, err)
		}
	}

	for _, inst := range payload.Instances {
		id := strings.TrimSpace(inst.ID)
		if id == "" {
			return errs.New("backup", errs.CodeInvalid, errs.WithMessage("instance id required"))
		}
		current, err := s.ctrl.Instance(id)
		active := err == nil && (current.State == schema.InstanceRunning || current.State == schema.InstanceStarting)
		switch {
		case inst.Running && active:
			if _, err := s.ctrl.UpdateStrategyParams(ctx, id, inst.Params); err != nil {
				return fmt.Errorf("instance %s: %w", id, err)
			}
		case inst.Running:
			if _, err := s.ctrl.StartStrategy(ctx, strategy.Spec{
				ID:          id,
				Project:     inst.Project,
				Strategy:    inst.Strategy,
				Instruments: inst.Instruments,
				Params:      inst.Params,
			}); err != nil {
				return fmt.Errorf("instance %s: %w", id, err)
			}
		case active:
			if _, err := s.ctrl.StopStrategy(ctx, id); err != nil && errs.CodeOf(err) != errs.CodeNotFound {
				return fmt.Errorf("instance %s: %w", id, err)
			}
		}
	}
	return nil
}

func (s *httpServer) exportConfigBackup(w http.ResponseWriter, _ *http.Request) {
	payload, err := buildBackupPayload(s)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *httpServer) restoreConfigBackup(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()

	var payload ConfigBackup
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(payload.Version) == "" {
		payload.Version = backupVersion
	} else if payload.Version != backupVersion {
		writeError(w, http.StatusBadRequest, "unsupported backup version")
		return
	}

	if err := s.applyBackup(r.Context(), payload); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "restored",
		"projects":  len(payload.Projects),
		"instances": len(payload.Instances),
	})
}
