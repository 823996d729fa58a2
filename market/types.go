// Package market defines the domain types and collaborator interfaces of the
// marketplace matching and negotiation engine: published offers and demands,
// negotiation threads and their proposals, agreements, the wire message shape,
// and the error taxonomy shared by all components.
package market

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/gridnet/go-grid-market/market/props"
)

// PartyID identifies an independently operated marketplace participant.
type PartyID string

// EntryID identifies a published Offer or Demand.
type EntryID string

// ThreadID identifies a negotiation thread. It is derived deterministically
// from the initiating offer/demand pair, so both parties compute the same id
// without coordination.
type ThreadID string

// AgreementID identifies a finalized agreement.
type AgreementID string

// String implementations satisfy fmt.Stringer, which the persistence layer
// uses to key records.
func (p PartyID) String() string     { return string(p) }
func (e EntryID) String() string     { return string(e) }
func (t ThreadID) String() string    { return string(t) }
func (a AgreementID) String() string { return string(a) }

// EntryKind distinguishes the two sides of the marketplace.
type EntryKind uint64

const (
	KindOffer EntryKind = iota
	KindDemand
)

func (k EntryKind) String() string {
	switch k {
	case KindOffer:
		return "offer"
	case KindDemand:
		return "demand"
	}
	return "unknown"
}

// Opposite returns the counterpart side.
func (k EntryKind) Opposite() EntryKind {
	if k == KindOffer {
		return KindDemand
	}
	return KindOffer
}

// Entry is a published Offer or Demand: a property set plus a constraint over
// the other side's properties. Entries are immutable after publication except
// for the Withdrawn flag, which is terminal.
type Entry struct {
	ID         EntryID
	Owner      PartyID
	Kind       EntryKind
	Properties []byte // canonical JSON property set
	Constraint string // constraint expression source

	PublishedAt int64 // unix seconds
	ExpiresAt   int64
	Withdrawn   bool

	// Seq is the catalog watermark sequence, assigned on insert.
	Seq uint64
}

// NewEntry validates and builds a publishable entry. The constraint must
// parse and the property set must canonicalize; failures surface as
// ErrValidation and the entry never enters a catalog.
func NewEntry(kind EntryKind, owner PartyID, ps props.PropertySet, constraint string, now time.Time, lifetime time.Duration) (Entry, error) {
	if owner == "" {
		return Entry{}, xerrors.Errorf("%w: entry owner must be set", ErrValidation)
	}
	if _, err := props.Parse(constraint); err != nil {
		return Entry{}, xerrors.Errorf("%w: malformed constraint: %s", ErrValidation, err)
	}
	canon, err := ps.Canonical()
	if err != nil {
		return Entry{}, xerrors.Errorf("%w: malformed properties: %s", ErrValidation, err)
	}
	return Entry{
		ID:          EntryID(uuid.New().String()),
		Owner:       owner,
		Kind:        kind,
		Properties:  canon,
		Constraint:  constraint,
		PublishedAt: now.Unix(),
		ExpiresAt:   now.Add(lifetime).Unix(),
	}, nil
}

// Props decodes the entry's canonical property bytes. Entries are validated
// at publish time so this only fails on corrupted records.
func (e *Entry) Props() (props.PropertySet, error) {
	return props.FromJSON(e.Properties)
}

// Expired reports whether the entry's lifetime has elapsed.
func (e *Entry) Expired(now time.Time) bool {
	return now.Unix() >= e.ExpiresAt
}

// Available reports whether the entry may still participate in matching.
func (e *Entry) Available(now time.Time) bool {
	return !e.Withdrawn && !e.Expired(now)
}

// threadNamespace seeds deterministic thread id derivation (UUIDv5).
var threadNamespace = uuid.MustParse("8f3e2a14-6f14-4c1e-9e67-1c2b9d1f0a55")

// DeriveThreadID computes the thread id both parties derive for a given
// offer/demand pair.
func DeriveThreadID(offer, demand EntryID) ThreadID {
	name := string(offer) + "/" + string(demand)
	return ThreadID(uuid.NewSHA1(threadNamespace, []byte(name)).String())
}
