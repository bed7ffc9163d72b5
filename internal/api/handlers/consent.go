package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/domain/consent"
	"github.com/patientflow/go-pro/internal/infrastructure/redpanda"
)

// adherenceJob mirrors the builder's moderation key so a consent write
// forces the next rebuild through.
const adherenceJob = "adherence"

// TimelineInvalidator drops the cached timeline after a consent change.
type TimelineInvalidator interface {
	Invalidate(ctx context.Context, userID, studyID int64) error
}

// ModerationClearer resets the adherence rebuild throttle.
type ModerationClearer interface {
	Clear(ctx context.Context, job string, patientID int64) error
}

// AuditPublisher emits consent audit events.
type AuditPublisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// ConsentHandler records consent history rows and fans out the
// invalidations they imply.
type ConsentHandler struct {
	repo       *consent.Repository
	timeline   TimelineInvalidator
	moderation ModerationClearer
	audit      AuditPublisher
	logger     *zap.Logger
}

// NewConsentHandler creates the handler.
func NewConsentHandler(repo *consent.Repository, timeline TimelineInvalidator,
	moderation ModerationClearer, audit AuditPublisher, logger *zap.Logger) *ConsentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsentHandler{
		repo:       repo,
		timeline:   timeline,
		moderation: moderation,
		audit:      audit,
		logger:     logger,
	}
}

// Routes returns the handler routes.
func (h *ConsentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{userID}/studies/{studyID}/consents", h.Record)
	r.Delete("/{userID}/studies/{studyID}/consents", h.Delete)
	return r
}

// ConsentRequest is the request body for recording a consent.
type ConsentRequest struct {
	OrganizationID int64     `json:"organization_id"`
	AcceptanceDate time.Time `json:"acceptance_date"`
	Status         string    `json:"status"`
	AuditID        int64     `json:"audit_id"`
}

// Record handles POST /patients/{userID}/studies/{studyID}/consents
func (h *ConsentHandler) Record(w http.ResponseWriter, r *http.Request) {
	h.upsert(w, r, "")
}

// Delete handles DELETE /patients/{userID}/studies/{studyID}/consents.
// Consent history is append-only; deletion arrives as a new deleted row.
func (h *ConsentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.upsert(w, r, consent.StatusDeleted)
}

func (h *ConsentHandler) upsert(w http.ResponseWriter, r *http.Request, forced consent.Status) {
	tracer := otel.Tracer("consent-handler")
	ctx, span := tracer.Start(r.Context(), "record_consent")
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

	var req ConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "malformed request body", http.StatusBadRequest)
		return
	}

	status := forced
	if status == "" {
		switch consent.Status(req.Status) {
		case consent.StatusConsented, consent.StatusSuspended, consent.StatusDeleted:
			status = consent.Status(req.Status)
		default:
			jsonError(w, "invalid consent status", http.StatusBadRequest)
			return
		}
	}

	acceptance := req.AcceptanceDate
	if acceptance.IsZero() {
		acceptance = time.Now().UTC()
	}

	uc := &consent.UserConsent{
		UserID:          userID,
		OrganizationID:  req.OrganizationID,
		ResearchStudyID: studyID,
		AcceptanceDate:  acceptance.UTC(),
		Status:          status,
		AuditID:         req.AuditID,
	}
	if err := h.repo.Insert(ctx, uc); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	// A consent change reshapes the whole timeline; drop the cache and let
	// the next status read rebuild it.
	if err := h.timeline.Invalidate(ctx, userID, studyID); err != nil {
		h.logger.Warn("timeline invalidation failed after consent write",
			zap.Int64("user_id", userID), zap.Error(err))
	}
	if h.moderation != nil {
		if err := h.moderation.Clear(ctx, adherenceJob, userID); err != nil {
			h.logger.Warn("adherence moderation clear failed",
				zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	h.publishAudit(ctx, uc)
	h.publishInvalidation(ctx, userID, studyID)

	writeJSON(w, http.StatusCreated, uc)
}

// publishInvalidation tells the adherence worker to rebuild this patient's
// cache rows.
func (h *ConsentHandler) publishInvalidation(ctx context.Context, userID, studyID int64) {
	if h.audit == nil {
		return
	}
	payload, err := json.Marshal(map[string]int64{
		"user_id":           userID,
		"research_study_id": studyID,
	})
	if err != nil {
		return
	}
	key := strconv.FormatInt(userID, 10)
	if err := h.audit.ProduceMessage(ctx, redpanda.TopicInvalidation, key, payload); err != nil {
		h.logger.Warn("invalidation publish failed",
			zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (h *ConsentHandler) publishAudit(ctx context.Context, uc *consent.UserConsent) {
	if h.audit == nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"event":   "consent." + string(uc.Status),
		"consent": uc,
	})
	if err != nil {
		return
	}
	key := strconv.FormatInt(uc.UserID, 10)
	if err := h.audit.ProduceMessage(ctx, redpanda.TopicAuditTrail, key, payload); err != nil {
		h.logger.Warn("consent audit publish failed",
			zap.Int64("user_id", uc.UserID), zap.Error(err))
	}
}
