package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/proerr"
)

// Email is one rendered message ready for dispatch.
type Email struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	To        []string  `json:"to"`
	CreatedAt time.Time `json:"created_at"`
}

// Transport delivers a rendered email.
type Transport interface {
	Send(ctx context.Context, email *Email) error
}

// Mailer renders registered templates and hands them to the transport.
type Mailer struct {
	templates map[string]Template
	transport Transport
	logger    *zap.Logger
	now       func() time.Time
}

// NewMailer registers the template set.
func NewMailer(templates []Template, transport Transport, logger *zap.Logger) *Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]Template, len(templates))
	for _, t := range templates {
		byName[t.Name] = t
	}
	return &Mailer{
		templates: byName,
		transport: transport,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Send renders the named template and dispatches it. The returned email
// carries the identifier recorded into audit trails.
func (m *Mailer) Send(ctx context.Context, template string, to []string, vars Vars) (*Email, error) {
	t, ok := m.templates[template]
	if !ok {
		return nil, proerr.Wrap(proerr.ErrNotFound, "no template named %q", template)
	}
	subject, body, err := t.Render(vars)
	if err != nil {
		return nil, err
	}
	email := &Email{
		ID:        uuid.NewString(),
		Subject:   subject,
		Body:      body,
		To:        to,
		CreatedAt: m.now(),
	}
	if err := m.transport.Send(ctx, email); err != nil {
		return email, err
	}
	m.logger.Info("email dispatched",
		zap.String("email_id", email.ID),
		zap.String("template", template),
		zap.Int("recipients", len(to)))
	return email, nil
}

// Marshal renders the wire form published to the delivery topic.
func (e *Email) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
