package handlers

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/domain/adherence"
)

// AdherenceHandler streams adherence report rows.
type AdherenceHandler struct {
	store  *adherence.PGStore
	logger *zap.Logger
}

// NewAdherenceHandler creates the handler.
func NewAdherenceHandler(store *adherence.PGStore, logger *zap.Logger) *AdherenceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdherenceHandler{store: store, logger: logger}
}

// Routes returns the handler routes.
func (h *AdherenceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{studyID}/adherence", h.Report)
	return r
}

var csvHeader = []string{
	"patient_id", "site", "consent_date", "withdrawal_date", "visit",
	"status", "completion_date", "entry_method", "clinician", "trigger_domains",
}

// Report handles GET /studies/{studyID}/adherence. Rows stream as CSV or
// JSON lines depending on Accept.
func (h *AdherenceHandler) Report(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer("adherence-handler")
	ctx, span := tracer.Start(r.Context(), "adherence_report")
	defer span.End()

	studyID, err := strconv.ParseInt(chi.URLParam(r, "studyID"), 10, 64)
	if err != nil {
		jsonError(w, "invalid study id", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int64("study_id", studyID))

	var orgID *int64
	if raw := r.URL.Query().Get("org_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			jsonError(w, "invalid org id", http.StatusBadRequest)
			return
		}
		orgID = &id
	}

	if strings.Contains(r.Header.Get("Accept"), "text/csv") {
		h.streamCSV(ctx, w, studyID, orgID)
		return
	}
	h.streamJSON(ctx, w, studyID, orgID)
}

func (h *AdherenceHandler) streamJSON(ctx context.Context, w http.ResponseWriter, studyID int64, orgID *int64) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)

	err := h.store.Stream(ctx, studyID, orgID, func(row adherence.Row) error {
		if err := enc.Encode(row.Data); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		// Headers are already out; all we can do is log and cut the stream.
		h.logger.Error("adherence stream failed", zap.Error(err))
	}
}

func (h *AdherenceHandler) streamCSV(ctx context.Context, w http.ResponseWriter, studyID int64, orgID *int64) {
	w.Header().Set("Content-Type", "text/csv")
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		h.logger.Error("adherence csv header failed", zap.Error(err))
		return
	}

	err := h.store.Stream(ctx, studyID, orgID, func(row adherence.Row) error {
		var report adherence.Report
		if err := json.Unmarshal(row.Data, &report); err != nil {
			return err
		}
		return cw.Write([]string{
			strconv.FormatInt(report.PatientID, 10),
			report.Site,
			formatDate(report.ConsentDate),
			formatDate(report.WithdrawalDate),
			report.Visit,
			report.Status,
			formatDate(report.CompletionDate),
			report.EntryMethod,
			report.Clinician,
			strings.Join(report.TriggerDomains, ";"),
		})
	})
	if err != nil {
		h.logger.Error("adherence stream failed", zap.Error(err))
	}
	cw.Flush()
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
