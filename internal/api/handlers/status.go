package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/domain/timeline"
	"github.com/patientflow/go-pro/internal/domain/trigger"
)

// StatusHandler serves the point-in-time patient status and trigger state
// views.
type StatusHandler struct {
	status   *timeline.StatusService
	triggers trigger.Store
	logger   *zap.Logger
}

// NewStatusHandler creates the handler.
func NewStatusHandler(status *timeline.StatusService, triggers trigger.Store, logger *zap.Logger) *StatusHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusHandler{status: status, triggers: triggers, logger: logger}
}

// Routes returns the handler routes.
func (h *StatusHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{userID}/studies/{studyID}/status", h.PatientStatus)
	r.Get("/{userID}/trigger", h.TriggerState)
	return r
}

// StatusResponse is the patient status payload.
type StatusResponse struct {
	UserID        int64      `json:"user_id"`
	StudyID       int64      `json:"research_study_id"`
	AsOf          time.Time  `json:"as_of"`
	OverallStatus string     `json:"overall_status"`
	CurrentVisit  string     `json:"current_visit,omitempty"`
	NextVisit     string     `json:"next_visit,omitempty"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	OverdueDate   *time.Time `json:"overdue_date,omitempty"`
	CompletedDate *time.Time `json:"completed_date,omitempty"`
	ExpiredDate   *time.Time `json:"expired_date,omitempty"`
	WithdrawnDate *time.Time `json:"withdrawn_date,omitempty"`

	InstrumentsNeedingFullAssessment []string `json:"instruments_needing_full_assessment"`
	InstrumentsInProgress            []string `json:"instruments_in_progress"`
	InstrumentsCompleted             []string `json:"instruments_completed"`
}

// PatientStatus handles GET /patients/{userID}/studies/{studyID}/status
func (h *StatusHandler) PatientStatus(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer("status-handler")
	ctx, span := tracer.Start(r.Context(), "patient_status")
	defer span.End()

	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		jsonError(w, "invalid user id", http.StatusBadRequest)
		return
	}
	studyID, err := strconv.ParseInt(chi.URLParam(r, "studyID"), 10, 64)
	if err != nil {
		jsonError(w, "invalid study id", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int64("user_id", userID), attribute.Int64("study_id", studyID))

	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		asOf, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			jsonError(w, "invalid as_of timestamp", http.StatusBadRequest)
			return
		}
		asOf = asOf.UTC()
	}

	st, err := h.status.QBStatus(ctx, userID, studyID, asOf)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	resp := StatusResponse{
		UserID:                           st.UserID,
		StudyID:                          st.ResearchStudyID,
		AsOf:                             st.AsOf,
		OverallStatus:                    string(st.OverallStatus),
		DueDate:                          st.DueDate,
		OverdueDate:                      st.OverdueDate,
		CompletedDate:                    st.CompletedDate,
		ExpiredDate:                      st.ExpiredDate,
		WithdrawnDate:                    st.WithdrawnDate,
		InstrumentsNeedingFullAssessment: st.InstrumentsNeedingFullAssessment,
		InstrumentsInProgress:            st.InstrumentsInProgress,
		InstrumentsCompleted:             st.InstrumentsCompleted,
	}
	if st.Current != nil {
		resp.CurrentVisit = st.Current.VisitName()
	}
	if st.Next != nil {
		resp.NextVisit = st.Next.VisitName()
	}

	writeJSON(w, http.StatusOK, resp)
}

// TriggerState handles GET /patients/{userID}/trigger
func (h *StatusHandler) TriggerState(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer("status-handler")
	ctx, span := tracer.Start(r.Context(), "trigger_state")
	defer span.End()

	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		jsonError(w, "invalid user id", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int64("user_id", userID))

	states, err := h.triggers.LatestPerVisit(ctx, userID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if len(states) == 0 {
		jsonError(w, "no trigger state", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, states[len(states)-1])
}
