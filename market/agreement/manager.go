// Package agreement finalizes approved negotiation threads into signed
// agreement records and manages their lifecycle.
package agreement

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/filecoin-project/go-statestore"
	"github.com/google/uuid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	"github.com/gridnet/go-grid-market/market"
	"github.com/gridnet/go-grid-market/metrics"
)

var log = logging.Logger("agreement")

var agreementNamespace = uuid.MustParse("c71e0d4e-2b9f-40f2-8a4e-5a10f7d0b3c9")

// DeriveAgreementID computes the agreement id both parties derive for a
// thread, so the two local records converge without coordination.
func DeriveAgreementID(thread market.ThreadID) market.AgreementID {
	return market.AgreementID(uuid.NewSHA1(agreementNamespace, []byte(thread)).String())
}

// Manager owns the local agreement store. Agreements are keyed by the thread
// that produced them; a thread finalizes to at most one agreement.
type Manager struct {
	st    *statestore.StateStore
	ids   market.Identity
	clock clock.Clock

	// term is the validity window granted to confirmed agreements.
	term time.Duration

	lk sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock substitutes the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

// WithTerm sets the validity window of confirmed agreements.
func WithTerm(d time.Duration) Option {
	return func(m *Manager) { m.term = d }
}

// NewManager creates a manager persisting agreements under the given
// datastore.
func NewManager(ds datastore.Batching, ids market.Identity, opts ...Option) *Manager {
	m := &Manager{
		st:    statestore.New(namespace.Wrap(ds, datastore.NewKey("/agreements"))),
		ids:   ids,
		clock: clock.New(),
		term:  24 * time.Hour,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Finalize builds the agreement for an approved thread: final terms are the
// last proposal's canonical bytes, and both parties' signatures over exactly
// those bytes are requested through the identity collaborator. A signature
// that does not verify fails with ErrSignatureMismatch and no agreement is
// stored; the caller terminates the thread instead. Finalize is idempotent
// per thread.
func (m *Manager) Finalize(ctx context.Context, t market.NegotiationThread) (market.Agreement, error) {
	if t.ApprovedBy == "" {
		return market.Agreement{}, xerrors.Errorf("thread %s has no recorded approval", t.ID)
	}
	last := t.Last()
	if last == nil {
		return market.Agreement{}, xerrors.Errorf("thread %s has no proposals", t.ID)
	}
	if t.ApprovedID != last.ID {
		return market.Agreement{}, xerrors.Errorf("%w: approval references proposal %d but latest is %d",
			market.ErrProtocolViolation, t.ApprovedID, last.ID)
	}

	m.lk.Lock()
	defer m.lk.Unlock()

	// Convergent bilateral approval may finalize the same thread from both
	// directions; the stored record wins.
	if has, err := m.st.Has(t.ID); err != nil {
		return market.Agreement{}, xerrors.Errorf("checking agreement for thread %s: %w", t.ID, err)
	} else if has {
		var existing market.Agreement
		if err := m.st.Get(t.ID).Get(&existing); err != nil {
			return market.Agreement{}, err
		}
		return existing, nil
	}

	terms := last.Terms
	reqSig, err := m.ids.Sign(ctx, t.Requestor, terms)
	if err != nil {
		return market.Agreement{}, xerrors.Errorf("%w: requestor signature: %s", market.ErrSignatureMismatch, err)
	}
	provSig, err := m.ids.Sign(ctx, t.Provider, terms)
	if err != nil {
		return market.Agreement{}, xerrors.Errorf("%w: provider signature: %s", market.ErrSignatureMismatch, err)
	}
	if err := m.verify(ctx, t.Requestor, terms, reqSig); err != nil {
		return market.Agreement{}, err
	}
	if err := m.verify(ctx, t.Provider, terms, provSig); err != nil {
		return market.Agreement{}, err
	}

	now := m.clock.Now()
	ag := market.Agreement{
		ID:           DeriveAgreementID(t.ID),
		ThreadID:     t.ID,
		Requestor:    t.Requestor,
		Provider:     t.Provider,
		Terms:        terms,
		RequestorSig: reqSig,
		ProviderSig:  provSig,
		ValidFrom:    now.Unix(),
		ValidTo:      now.Add(m.term).Unix(),
		Status:       market.AgreementPending,
	}
	if err := m.st.Begin(t.ID, &ag); err != nil {
		return market.Agreement{}, xerrors.Errorf("storing agreement %s: %w", ag.ID, err)
	}
	log.Infow("finalized agreement", "agreement", ag.ID, "thread", t.ID)
	return ag, nil
}

func (m *Manager) verify(ctx context.Context, party market.PartyID, data, sig []byte) error {
	ok, err := m.ids.Verify(ctx, party, data, sig)
	if err != nil {
		return xerrors.Errorf("%w: verifying %s signature: %s", market.ErrSignatureMismatch, party, err)
	}
	if !ok {
		return xerrors.Errorf("%w: %s signature does not cover final terms", market.ErrSignatureMismatch, party)
	}
	return nil
}

// Confirm moves an agreement to Confirmed after re-verifying both signatures
// over its exact terms bytes. Re-confirming an already confirmed agreement
// with identical terms is a no-op; different terms are a fatal inconsistency,
// reported and never silently resolved.
func (m *Manager) Confirm(ctx context.Context, ag market.Agreement) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	var stored market.Agreement
	if err := m.st.Get(ag.ThreadID).Get(&stored); err != nil {
		if xerrors.Is(err, datastore.ErrNotFound) {
			return xerrors.Errorf("%w: agreement for thread %s", market.ErrNotFound, ag.ThreadID)
		}
		return err
	}

	if !bytes.Equal(stored.Terms, ag.Terms) {
		return xerrors.Errorf("%w: agreement %s re-confirmed with different terms", market.ErrInconsistency, stored.ID)
	}
	if stored.Status == market.AgreementConfirmed {
		return nil
	}
	if stored.Status == market.AgreementTerminated {
		return xerrors.Errorf("agreement %s already terminated: %s", stored.ID, stored.Reason)
	}

	now := m.clock.Now()
	if now.Unix() >= stored.ValidTo {
		return xerrors.Errorf("agreement %s validity window elapsed", stored.ID)
	}
	if err := m.verify(ctx, stored.Requestor, stored.Terms, ag.RequestorSig); err != nil {
		return err
	}
	if err := m.verify(ctx, stored.Provider, stored.Terms, ag.ProviderSig); err != nil {
		return err
	}

	err := m.st.Get(ag.ThreadID).Mutate(func(a *market.Agreement) error {
		a.Status = market.AgreementConfirmed
		return nil
	})
	if err != nil {
		return xerrors.Errorf("confirming agreement %s: %w", stored.ID, err)
	}
	stats.Record(ctx, metrics.AgreementsConfirmed.M(1))
	log.Infow("confirmed agreement", "agreement", stored.ID, "thread", ag.ThreadID)
	return nil
}

// Terminate records a one-way transition to Terminated with a reason. There
// is no reactivation; terminating an already terminated agreement is a
// no-op. Final terms are never mutated.
func (m *Manager) Terminate(ctx context.Context, id market.AgreementID, reason string) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	ag, err := m.byID(id)
	if err != nil {
		return err
	}
	if ag.Status == market.AgreementTerminated {
		return nil
	}
	err = m.st.Get(ag.ThreadID).Mutate(func(a *market.Agreement) error {
		a.Status = market.AgreementTerminated
		a.Reason = reason
		return nil
	})
	if err != nil {
		return xerrors.Errorf("terminating agreement %s: %w", id, err)
	}
	log.Infow("terminated agreement", "agreement", id, "reason", reason)
	return nil
}

// Get returns the agreement with the given id.
func (m *Manager) Get(ctx context.Context, id market.AgreementID) (market.Agreement, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.byID(id)
}

// ForThread returns the agreement produced by the given thread, if any.
func (m *Manager) ForThread(ctx context.Context, thread market.ThreadID) (market.Agreement, error) {
	var ag market.Agreement
	if err := m.st.Get(thread).Get(&ag); err != nil {
		if xerrors.Is(err, datastore.ErrNotFound) {
			return market.Agreement{}, xerrors.Errorf("%w: agreement for thread %s", market.ErrNotFound, thread)
		}
		return market.Agreement{}, err
	}
	return ag, nil
}

// List returns all stored agreements.
func (m *Manager) List(ctx context.Context) ([]market.Agreement, error) {
	var out []market.Agreement
	if err := m.st.List(&out); err != nil {
		return nil, xerrors.Errorf("listing agreements: %w", err)
	}
	return out, nil
}

// byID scans for an agreement by its id. The store is keyed by thread; id
// lookups are rare (operator tooling), so a scan is fine.
func (m *Manager) byID(id market.AgreementID) (market.Agreement, error) {
	var all []market.Agreement
	if err := m.st.List(&all); err != nil {
		return market.Agreement{}, xerrors.Errorf("listing agreements: %w", err)
	}
	for _, a := range all {
		if a.ID == id {
			return a, nil
		}
	}
	return market.Agreement{}, xerrors.Errorf("%w: agreement %s", market.ErrNotFound, id)
}
