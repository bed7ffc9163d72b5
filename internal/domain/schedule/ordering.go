package schedule

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/domain/consent"
	"github.com/patientflow/go-pro/internal/domain/protocol"
	"github.com/patientflow/go-pro/internal/proerr"
)

// ResponseSource answers whether the user has submitted anything against a
// visit; the protocol-switch rule depends on it.
type ResponseSource interface {
	HasSubmission(ctx context.Context, userID, bankID int64, iteration *int) (bool, error)
}

// Options filter the generated stream.
type Options struct {
	// Classifications to include. Empty means the default pass: baseline and
	// recurring. Indefinite banks are handled by the explicit Indefinite
	// lookup, never by the default stream.
	Classifications []protocol.Classification

	// IgnoreWithdrawal keeps visits starting at or after the withdrawal
	// date. Adherence reporting uses it to find work finished after
	// withdrawal.
	IgnoreWithdrawal bool
}

func (o Options) classifications() []protocol.Classification {
	if len(o.Classifications) == 0 {
		return []protocol.Classification{protocol.ClassificationBaseline, protocol.ClassificationRecurring}
	}
	return o.Classifications
}

// Ordering generates per-user visit streams.
type Ordering struct {
	registry  protocol.Source
	consents  *consent.Resolver
	responses ResponseSource
	logger    *zap.Logger
}

// NewOrdering wires the generator to its sources.
func NewOrdering(registry protocol.Source, consents *consent.Resolver, responses ResponseSource, logger *zap.Logger) *Ordering {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ordering{registry: registry, consents: consents, responses: responses, logger: logger}
}

// Ordered returns the user's visit definitions in ascending relative start,
// already adjusted onto the user's timeline and truncated at withdrawal.
func (o *Ordering) Ordered(ctx context.Context, userID, studyID int64, opts Options) ([]QBD, error) {
	var out []QBD
	err := o.Each(ctx, userID, studyID, opts, func(q QBD) bool {
		out = append(out, q)
		return true
	})
	return out, err
}

// Each yields visits in ascending start order; yield returning false stops
// the walk. The full set is built and sorted up front since ordering cannot
// be known until every protocol's visits are expanded; the callback form
// spares callers that stop early only the withdrawal and yield bookkeeping,
// not the expansion.
func (o *Ordering) Each(ctx context.Context, userID, studyID int64, opts Options, yield func(QBD) bool) error {
	trigger, err := o.consents.TriggerDate(ctx, userID, studyID)
	if err != nil {
		return err
	}
	if trigger == nil {
		return nil
	}
	withdrawal, err := o.consents.WithdrawalDate(ctx, userID, studyID)
	if err != nil {
		return err
	}

	assignments, err := o.registry.ProtocolsForUser(ctx, userID, studyID)
	if err != nil {
		return err
	}
	if len(assignments) > 2 {
		return proerr.Wrap(proerr.ErrConfiguration,
			"user %d: %d adjacent research protocols; at most two supported", userID, len(assignments))
	}

	var visits []QBD
	if len(assignments) == 0 {
		// No protocol applies; fall back to intervention-assigned banks.
		banks, err := o.registry.BanksForInterventions(ctx, userID)
		if err != nil {
			return err
		}
		visits, err = o.visitsForBanks(banks, *trigger, nil, opts)
		if err != nil {
			return err
		}
	} else {
		visits, err = o.protocolVisits(ctx, userID, assignments, *trigger, opts)
		if err != nil {
			return err
		}
	}

	sort.SliceStable(visits, func(i, j int) bool {
		return visits[i].RelativeStart.Before(visits[j].RelativeStart)
	})

	for i := range visits {
		if !opts.IgnoreWithdrawal && withdrawal != nil && !visits[i].RelativeStart.Before(*withdrawal) {
			return nil
		}
		if !yield(visits[i]) {
			return nil
		}
	}
	return nil
}

// protocolVisits merges the visit streams of up to two adjacent protocols.
// The older protocol serves visits starting before its retirement; the
// successor serves starts at or after it. When the user has submitted work
// in the visit still open at retirement, the switch is deferred until that
// visit's window closes.
func (o *Ordering) protocolVisits(ctx context.Context, userID int64, assignments []protocol.ProtocolAssignment, trigger time.Time, opts Options) ([]QBD, error) {
	first := assignments[0]
	firstVisits, err := o.visitsForProtocol(ctx, first, trigger, opts)
	if err != nil {
		return nil, err
	}
	if len(assignments) == 1 || first.RetiredAsOf == nil {
		return firstVisits, nil
	}

	switchAt := *first.RetiredAsOf
	for i := range firstVisits {
		q := &firstVisits[i]
		if !q.OpenAt(switchAt) {
			continue
		}
		submitted, err := o.responses.HasSubmission(ctx, userID, q.Bank.ID, q.Iteration)
		if err != nil {
			return nil, err
		}
		if submitted {
			// Pending work keeps the retiring protocol in force for this
			// visit; switch once its window closes.
			switchAt = q.ExpiredAt()
			o.logger.Debug("protocol switch deferred by open visit",
				zap.Int64("user_id", userID),
				zap.String("visit", q.VisitName()),
				zap.Time("switch_at", switchAt))
		}
		break
	}

	var merged []QBD
	for _, q := range firstVisits {
		if q.RelativeStart.Before(*first.RetiredAsOf) {
			merged = append(merged, q)
		}
	}
	secondVisits, err := o.visitsForProtocol(ctx, assignments[1], trigger, opts)
	if err != nil {
		return nil, err
	}
	for _, q := range secondVisits {
		if !q.RelativeStart.Before(switchAt) {
			merged = append(merged, q)
		}
	}
	return merged, nil
}

func (o *Ordering) visitsForProtocol(ctx context.Context, pa protocol.ProtocolAssignment, trigger time.Time, opts Options) ([]QBD, error) {
	var all []*protocol.QuestionnaireBank
	for _, c := range opts.classifications() {
		banks, err := o.registry.BanksByProtocol(ctx, pa.Protocol.ID, c)
		if err != nil {
			return nil, err
		}
		all = append(all, banks...)
	}
	visits, err := o.visitsForBanks(all, trigger, pa.RetiredAsOf, opts)
	if err != nil {
		return nil, proerr.Wrap(proerr.ErrConfiguration, "protocol %s: %v", pa.Protocol.Name, err)
	}
	return visits, nil
}

// visitsForBanks expands banks into adjusted QBDs. Exactly one baseline bank
// is required whenever the baseline classification is in scope.
func (o *Ordering) visitsForBanks(banks []*protocol.QuestionnaireBank, trigger time.Time, retiredAsOf *time.Time, opts Options) ([]QBD, error) {
	baselineWanted := false
	for _, c := range opts.classifications() {
		if c == protocol.ClassificationBaseline {
			baselineWanted = true
		}
	}

	var (
		visits    []QBD
		baselines int
	)
	for _, qb := range banks {
		switch qb.Classification {
		case protocol.ClassificationBaseline:
			baselines++
			q := NewQBD(qb, nil, nil, qb.Start.RelativeTo(systemTrigger))
			if err := q.CalcAndAdjustStart(trigger, systemTrigger); err != nil {
				return nil, err
			}
			visits = append(visits, q)
		case protocol.ClassificationRecurring:
			for _, vs := range qb.RecurringStarts(trigger, retiredAsOf) {
				vs := vs
				iteration := vs.Iteration
				q := NewQBD(qb, &vs.RecurID, &iteration, vs.Start)
				// Recurrence starts are computed against the user trigger
				// directly so calendar-length months land correctly; stamp
				// the adjustment with a zero shift.
				if err := q.CalcAndAdjustStart(trigger, trigger); err != nil {
					return nil, err
				}
				visits = append(visits, q)
			}
		case protocol.ClassificationIndefinite, protocol.ClassificationOther:
			q := NewQBD(qb, nil, nil, qb.Start.RelativeTo(trigger))
			if err := q.CalcAndAdjustStart(trigger, trigger); err != nil {
				return nil, err
			}
			visits = append(visits, q)
		}
	}

	if baselineWanted && len(banks) > 0 && baselines != 1 {
		return nil, proerr.Wrap(proerr.ErrConfiguration, "expected exactly one baseline bank, found %d", baselines)
	}
	return visits, nil
}

// Indefinite returns the user's open-ended visit definition, or nil when no
// indefinite bank applies. Handled apart from the default stream: the visit
// never expires and its status derives purely from completion.
func (o *Ordering) Indefinite(ctx context.Context, userID, studyID int64) (*QBD, error) {
	trigger, err := o.consents.TriggerDate(ctx, userID, studyID)
	if err != nil || trigger == nil {
		return nil, err
	}

	assignments, err := o.registry.ProtocolsForUser(ctx, userID, studyID)
	if err != nil {
		return nil, err
	}
	var banks []*protocol.QuestionnaireBank
	for _, pa := range assignments {
		bs, err := o.registry.BanksByProtocol(ctx, pa.Protocol.ID, protocol.ClassificationIndefinite)
		if err != nil {
			return nil, err
		}
		banks = append(banks, bs...)
	}
	if len(banks) == 0 {
		banks, err = o.registry.BanksForInterventions(ctx, userID)
		if err != nil {
			return nil, err
		}
	}
	for _, qb := range banks {
		if qb.Classification != protocol.ClassificationIndefinite {
			continue
		}
		q := NewQBD(qb, nil, nil, qb.Start.RelativeTo(*trigger))
		if err := q.CalcAndAdjustStart(*trigger, *trigger); err != nil {
			return nil, err
		}
		return &q, nil
	}
	return nil, nil
}

// systemTrigger anchors generic relative starts before per-user adjustment.
var systemTrigger = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
