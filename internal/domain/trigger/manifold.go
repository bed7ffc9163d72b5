package trigger

// Domains are the sub-study's monitored symptom areas.
var Domains = []string{
	"general_pain",
	"joint_pain",
	"insomnia",
	"fatigue",
	"anxious",
	"discouraged",
	"sad",
	"social_isolation",
}

// Answer is one scored response to a domain question. OptionCount is the
// size of the question's answer scale; the top two positions are the
// ultimate and penultimate severities.
type Answer struct {
	Score       int
	OptionCount int
}

// atCeiling reports whether the answer sits in the top two scale positions.
func (a Answer) atCeiling() bool {
	return a.OptionCount >= 2 && a.Score >= a.OptionCount-1
}

// DomainResponses maps domain name to question_id to answer for one
// submission.
type DomainResponses map[string]map[string]Answer

// DomainManifold evaluates a visit's responses against the previous and
// initial submissions.
type DomainManifold struct {
	Current  DomainResponses
	Previous DomainResponses
	Initial  DomainResponses

	// PriorSequentialHard carries each domain's consecutive-hard count from
	// the previous visit's state row.
	PriorSequentialHard map[string]int
}

// Evaluate produces the triggers for the visit. Per question: an answer in
// the top two scale positions is hard; a worsening of one point against the
// previous or the initial submission is soft, two or more points is hard.
// Hard never downgrades.
func (m *DomainManifold) Evaluate() *Triggers {
	out := &Triggers{
		Domain:         map[string]map[string]Severity{},
		SequentialHard: map[string]int{},
	}

	for _, domain := range Domains {
		current := m.Current[domain]
		if len(current) == 0 {
			continue
		}
		marks := map[string]Severity{}
		for qid, answer := range current {
			if answer.atCeiling() {
				marks[qid] = SeverityHard
			}
			markWorsening(marks, qid, answer, m.Previous[domain])
			markWorsening(marks, qid, answer, m.Initial[domain])
		}
		if len(marks) > 0 {
			out.Domain[domain] = marks
		}

		hard := false
		for _, s := range marks {
			if s == SeverityHard {
				hard = true
				break
			}
		}
		if hard {
			out.SequentialHard[domain] = m.PriorSequentialHard[domain] + 1
		} else {
			out.SequentialHard[domain] = 0
		}
	}
	return out
}

// markWorsening applies the score-delta rule against one comparison
// submission.
func markWorsening(marks map[string]Severity, qid string, current Answer, against map[string]Answer) {
	prior, ok := against[qid]
	if !ok {
		return
	}
	delta := current.Score - prior.Score
	switch {
	case delta >= 2:
		marks[qid] = SeverityHard
	case delta == 1:
		if marks[qid] != SeverityHard {
			marks[qid] = SeveritySoft
		}
	}
}
