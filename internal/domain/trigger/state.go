// Package trigger implements the sub-study trigger state machine: per
// patient per visit-month, responses are evaluated for worsening domains and
// notifications are fired when thresholds are crossed.
package trigger

import (
	"encoding/json"
	"time"

	"github.com/patientflow/go-pro/internal/proerr"
)

// State of a visit-month's trigger processing.
type State string

const (
	StateUnstarted State = "unstarted"
	StateDue       State = "due"
	StateInProcess State = "inprocess"
	StateProcessed State = "processed"
	StateTriggered State = "triggered"
	StateResolved  State = "resolved"
)

// Event names the transitions callers may request.
type Event string

const (
	EventInitialAvailable  Event = "initial_available"
	EventBeginProcess      Event = "begin_process"
	EventProcessedTriggers Event = "processed_triggers"
	EventFiredEvents       Event = "fired_events"
	EventNextAvailable     Event = "next_available"
	EventResolve           Event = "resolve"
)

// transitions is the permitted-transitions table. Anything absent raises.
var transitions = map[State]map[Event]State{
	StateUnstarted: {EventInitialAvailable: StateDue},
	StateDue:       {EventBeginProcess: StateInProcess},
	StateInProcess: {EventProcessedTriggers: StateProcessed},
	StateProcessed: {EventFiredEvents: StateTriggered},
	StateTriggered: {EventNextAvailable: StateDue, EventResolve: StateResolved},
}

// Apply returns the successor state, or ErrTransitionNotAllowed.
func (s State) Apply(e Event) (State, error) {
	if next, ok := transitions[s][e]; ok {
		return next, nil
	}
	return "", proerr.Wrap(proerr.ErrTransitionNotAllowed, "%s does not accept %s", s, e)
}

// Severity of a single triggered question.
type Severity string

const (
	SeveritySoft Severity = "soft"
	SeverityHard Severity = "hard"
)

// EmailAction is one audit entry under triggers.actions.email. Variant
// records which template went out, which also tells patient and staff
// notifications apart.
type EmailAction struct {
	EmailID   string    `json:"email_id"`
	Subject   string    `json:"subject"`
	Variant   string    `json:"variant,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Actions groups the per-channel audit logs.
type Actions struct {
	Email []EmailAction `json:"email,omitempty"`
}

// Triggers is the evaluation result stored on a state row.
type Triggers struct {
	// Domain maps domain name to question_id to severity.
	Domain map[string]map[string]Severity `json:"domain,omitempty"`
	// SequentialHard counts, per domain, the consecutive monthly visits
	// ending at this one that produced a hard trigger.
	SequentialHard map[string]int `json:"sequential_hard,omitempty"`
	Actions        Actions        `json:"actions,omitempty"`
	Errors         []string       `json:"errors,omitempty"`
}

// HardDomains lists the domains holding at least one hard trigger.
func (t *Triggers) HardDomains() []string {
	return t.domainsAt(SeverityHard)
}

// SoftDomains lists the domains holding soft triggers and no hard ones.
func (t *Triggers) SoftDomains() []string {
	soft := t.domainsAt(SeveritySoft)
	hard := map[string]bool{}
	for _, d := range t.HardDomains() {
		hard[d] = true
	}
	out := soft[:0]
	for _, d := range soft {
		if !hard[d] {
			out = append(out, d)
		}
	}
	return out
}

func (t *Triggers) domainsAt(severity Severity) []string {
	var out []string
	for _, domain := range Domains {
		for _, s := range t.Domain[domain] {
			if s == severity {
				out = append(out, domain)
				break
			}
		}
	}
	return out
}

// TriggerState is one append-only history row. The latest row by ID per
// (user, visit_month) is authoritative.
type TriggerState struct {
	ID                      int64     `json:"id"`
	UserID                  int64     `json:"user_id"`
	VisitMonth              int       `json:"visit_month"`
	State                   State     `json:"state"`
	Timestamp               time.Time `json:"timestamp"`
	Triggers                *Triggers `json:"triggers,omitempty"`
	QuestionnaireResponseID *int64    `json:"questionnaire_response_id,omitempty"`
}

// Advance returns a new history row in the successor state. The receiver is
// untouched; history rows are never mutated.
func (ts *TriggerState) Advance(e Event, at time.Time) (*TriggerState, error) {
	next, err := ts.State.Apply(e)
	if err != nil {
		return nil, err
	}
	succ := *ts
	succ.ID = 0
	succ.State = next
	succ.Timestamp = at.UTC()
	if ts.Triggers != nil {
		cp, err := cloneTriggers(ts.Triggers)
		if err != nil {
			return nil, err
		}
		succ.Triggers = cp
	}
	return &succ, nil
}

func cloneTriggers(t *Triggers) (*Triggers, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var cp Triggers
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
