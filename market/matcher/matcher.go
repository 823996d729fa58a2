// Package matcher evaluates constraint expressions between offers and
// demands. A pair is surfaced only when both sides' constraints hold against
// the other side's properties; one-sided matches are never reported.
package matcher

import (
	"sort"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/gridnet/go-grid-market/market"
	"github.com/gridnet/go-grid-market/market/props"
)

var log = logging.Logger("matcher")

// Candidate is a mutually satisfying counterpart with its ranking score.
type Candidate struct {
	Entry market.Entry
	Score int
}

// Mutual evaluates both directions between a subject and a candidate of the
// opposite kind. The score counts the comparison leaves satisfied across both
// constraints; it orders candidates and has no correctness meaning.
// Evaluation fails closed: a constraint referencing a missing property does
// not satisfy. Malformed expressions are rejected at publish time, so a parse
// failure here is reported as an error rather than swallowed.
func Mutual(subject, candidate market.Entry) (bool, int, error) {
	if subject.Kind == candidate.Kind {
		return false, 0, xerrors.Errorf("cannot match two entries of kind %s", subject.Kind)
	}

	subjExpr, err := props.Parse(subject.Constraint)
	if err != nil {
		return false, 0, xerrors.Errorf("subject %s constraint: %w", subject.ID, err)
	}
	candExpr, err := props.Parse(candidate.Constraint)
	if err != nil {
		return false, 0, xerrors.Errorf("candidate %s constraint: %w", candidate.ID, err)
	}
	subjProps, err := subject.Props()
	if err != nil {
		return false, 0, xerrors.Errorf("subject %s properties: %w", subject.ID, err)
	}
	candProps, err := candidate.Props()
	if err != nil {
		return false, 0, xerrors.Errorf("candidate %s properties: %w", candidate.ID, err)
	}

	if !props.Satisfied(subjExpr, candProps) || !props.Satisfied(candExpr, subjProps) {
		return false, 0, nil
	}
	score := props.SatisfiedLeaves(subjExpr, candProps) + props.SatisfiedLeaves(candExpr, subjProps)
	return true, score, nil
}

// Match scans candidates of the opposite kind and returns the mutually
// satisfying ones ordered by descending score (candidate id breaks ties, so
// the ordering is deterministic). Self-matches, withdrawn and expired
// candidates are skipped. Candidates whose records fail to decode are skipped
// with a warning; a single bad record must not poison the scan.
func Match(subject market.Entry, candidates []market.Entry, now time.Time) []Candidate {
	var out []Candidate
	for _, cand := range candidates {
		if cand.Owner == subject.Owner {
			// An offer matching its own owner's demand is never proposed
			// for initiation.
			continue
		}
		if cand.Kind != subject.Kind.Opposite() || !cand.Available(now) {
			continue
		}
		ok, score, err := Mutual(subject, cand)
		if err != nil {
			log.Warnw("skipping candidate", "subject", subject.ID, "candidate", cand.ID, "err", err)
			continue
		}
		if ok {
			out = append(out, Candidate{Entry: cand, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Entry.ID < out[j].Entry.ID
	})
	return out
}
