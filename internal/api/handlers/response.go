package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/domain/response"
)

// maxResponseBytes bounds the accepted FHIR document size.
const maxResponseBytes = 1 << 20

// SubmitObserver counts accepted and rejected submissions.
type SubmitObserver interface {
	ResponseSubmitted(status string)
}

// ResponseHandler accepts FHIR QuestionnaireResponse submissions.
type ResponseHandler struct {
	service  *response.Service
	logger   *zap.Logger
	observer SubmitObserver
}

// NewResponseHandler creates the handler.
func NewResponseHandler(service *response.Service, logger *zap.Logger) *ResponseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseHandler{service: service, logger: logger}
}

// WithObserver attaches submission counting.
func (h *ResponseHandler) WithObserver(o SubmitObserver) *ResponseHandler {
	h.observer = o
	return h
}

// Routes returns the handler routes.
func (h *ResponseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{userID}/studies/{studyID}/responses", h.Submit)
	return r
}

// SubmitResponse is the acknowledgement payload.
type SubmitResponse struct {
	ID            int64  `json:"id"`
	DocumentID    string `json:"document_id"`
	Questionnaire string `json:"questionnaire"`
	Status        string `json:"status"`
	BankID        *int64 `json:"qb_id,omitempty"`
	Iteration     *int   `json:"qb_iteration,omitempty"`
}

// Submit handles POST /patients/{userID}/studies/{studyID}/responses
func (h *ResponseHandler) Submit(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer("response-handler")
	ctx, span := tracer.Start(r.Context(), "submit_response")
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
	span.SetAttributes(attribute.Int64("user_id", userID))

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxResponseBytes))
	if err != nil {
		jsonError(w, "failed to read body", http.StatusBadRequest)
		return
	}

	qnr, err := h.service.Submit(ctx, userID, studyID, payload)
	if err != nil {
		if h.observer != nil {
			h.observer.ResponseSubmitted("rejected")
		}
		writeDomainError(w, h.logger, err)
		return
	}
	if h.observer != nil {
		h.observer.ResponseSubmitted(qnr.Status)
	}

	h.logger.Info("response accepted",
		zap.Int64("user_id", userID),
		zap.String("questionnaire", qnr.QuestionnaireName),
		zap.String("document_id", qnr.DocumentID))

	writeJSON(w, http.StatusCreated, SubmitResponse{
		ID:            qnr.ID,
		DocumentID:    qnr.DocumentID,
		Questionnaire: qnr.QuestionnaireName,
		Status:        qnr.Status,
		BankID:        qnr.QuestionnaireBankID,
		Iteration:     qnr.QBIteration,
	})
}
