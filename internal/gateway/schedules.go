// ABOUTME: HTTP handlers for schedule CRUD, state changes and upcoming-run previews
// ABOUTME: All schedule logic lives in the schedule engine; handlers only translate JSON

package gateway

import (
	"net/http"
	"time"

	"github.com/2389/fleet-gateway/internal/dispatch"
	"github.com/2389/fleet-gateway/internal/schedule"
	"github.com/2389/fleet-gateway/internal/store"
)

// defaultUpcoming is how many runs the preview shows without ?count.
const defaultUpcoming = 5

// scheduleView is the JSON form of a schedule.
type scheduleView struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	AgentID        string              `json:"agentId"`
	PackageID      string              `json:"packageId"`
	Recurrence     schedule.Recurrence `json:"recurrence"`
	CronExpression string              `json:"cronExpression,omitempty"`
	TimeZoneID     string              `json:"timeZoneId"`
	IsEnabled      bool                `json:"isEnabled"`
	PausedAt       *time.Time          `json:"pausedAt"`
	NextRunTimeUTC *time.Time          `json:"nextRunTimeUtc"`
	LastRunTimeUTC *time.Time          `json:"lastRunTimeUtc"`
	CreatedBy      string              `json:"createdBy"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

func viewSchedule(s *store.Schedule) scheduleView {
	r, err := schedule.ParseRecurrence(s.RecurrenceJSON)
	if err != nil {
		r = schedule.Recurrence{Type: schedule.RecurrenceType(s.RecurrenceType)}
	}
	return scheduleView{
		ID:             s.ID,
		Name:           s.Name,
		AgentID:        s.AgentID,
		PackageID:      s.PackageID,
		Recurrence:     r,
		CronExpression: s.CronExpression,
		TimeZoneID:     s.TimeZoneID,
		IsEnabled:      s.IsEnabled,
		PausedAt:       s.PausedAt,
		NextRunTimeUTC: s.NextRunTimeUTC,
		LastRunTimeUTC: s.LastRunTimeUTC,
		CreatedBy:      s.CreatedBy,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

type createScheduleRequest struct {
	Name       string              `json:"name"`
	AgentID    string              `json:"agentId"`
	PackageID  string              `json:"packageId"`
	Recurrence schedule.Recurrence `json:"recurrence"`
	TimeZoneID string              `json:"timeZoneId"`
	Enabled    *bool               `json:"enabled"`
}

type updateScheduleRequest struct {
	Name       *string              `json:"name"`
	AgentID    *string              `json:"agentId"`
	PackageID  *string              `json:"packageId"`
	Recurrence *schedule.Recurrence `json:"recurrence"`
	TimeZoneID *string              `json:"timeZoneId"`
}

func (g *Gateway) handleCreateSchedule(w http.ResponseWriter, r *http.Request, t *store.Tenant) {
	var req createScheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}

	s, err := g.engine.Create(r.Context(), t.ID, schedule.CreateParams{
		AgentID:    req.AgentID,
		PackageID:  req.PackageID,
		Name:       req.Name,
		Recurrence: req.Recurrence,
		TimeZoneID: req.TimeZoneID,
		Enabled:    req.Enabled,
		CreatedBy:  userID(r),
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, viewSchedule(s))
}

func (g *Gateway) handleListSchedules(w http.ResponseWriter, r *http.Request, t *store.Tenant) {
	schedules, err := g.engine.List(r.Context(), t.ID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	views := make([]scheduleView, 0, len(schedules))
	for _, s := range schedules {
		views = append(views, viewSchedule(s))
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"schedules": views})
}

func (g *Gateway) handleGetSchedule(w http.ResponseWriter, r *http.Request, t *store.Tenant) {
	s, err := g.engine.Get(r.Context(), t.ID, r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, viewSchedule(s))
}

func (g *Gateway) handleUpdateSchedule(w http.ResponseWriter, r *http.Request, t *store.Tenant) {
	var req updateScheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}

	s, err := g.engine.Update(r.Context(), t.ID, r.PathValue("id"), schedule.UpdateParams{
		AgentID:    req.AgentID,
		PackageID:  req.PackageID,
		Name:       req.Name,
		Recurrence: req.Recurrence,
		TimeZoneID: req.TimeZoneID,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, viewSchedule(s))
}

func (g *Gateway) handleDeleteSchedule(w http.ResponseWriter, r *http.Request, t *store.Tenant) {
	if err := g.engine.Delete(r.Context(), t.ID, r.PathValue("id")); err != nil {
		g.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleScheduleAction serves POST /api/schedules/{id}/{action}.
func (g *Gateway) handleScheduleAction(w http.ResponseWriter, r *http.Request, t *store.Tenant) {
	ctx := r.Context()
	id := r.PathValue("id")

	var (
		s   *store.Schedule
		err error
	)
	switch r.PathValue("action") {
	case "enable":
		s, err = g.engine.Enable(ctx, t.ID, id)
	case "disable":
		s, err = g.engine.Disable(ctx, t.ID, id)
	case "pause":
		s, err = g.engine.Pause(ctx, t.ID, id)
	case "resume":
		s, err = g.engine.Resume(ctx, t.ID, id)
	case "recalculate":
		s, err = g.engine.Recalculate(ctx, t.ID, id)
	case "trigger":
		g.triggerSchedule(w, r, t, id)
		return
	default:
		g.sendJSONError(w, http.StatusNotFound, "unknown schedule action")
		return
	}
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, viewSchedule(s))
}

func (g *Gateway) triggerSchedule(w http.ResponseWriter, r *http.Request, t *store.Tenant, id string) {
	e, delivery, err := g.engine.ManualTrigger(r.Context(), t.ID, id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.logger.Info("schedule triggered manually",
		"tenant_id", t.ID,
		"schedule_id", id,
		"execution_id", e.ID,
		"user_id", userID(r),
	)
	g.sendJSON(w, http.StatusCreated, executionResponse{Execution: dispatch.ViewOf(e), Delivered: delivery.Delivered})
}

func (g *Gateway) handleUpcomingRuns(w http.ResponseWriter, r *http.Request, t *store.Tenant) {
	count, err := queryInt(r, "count", defaultUpcoming)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	runs, err := g.engine.UpcomingRuns(r.Context(), t.ID, r.PathValue("id"), count)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
