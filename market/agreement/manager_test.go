package agreement

import (
	"context"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	dss "github.com/ipfs/go-datastore/sync"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/gridnet/go-grid-market/market"
	"github.com/gridnet/go-grid-market/market/props"
	"github.com/gridnet/go-grid-market/sigs"
)

const (
	providerID  = market.PartyID("provider-1")
	requestorID = market.PartyID("requestor-1")
)

func approvedThread(t *testing.T) market.NegotiationThread {
	t.Helper()
	terms, err := props.PropertySet{
		"task.batch":         props.Bool(true),
		"price.usd-per-hour": props.Number(9),
	}.Canonical()
	require.NoError(t, err)

	return market.NegotiationThread{
		ID:        market.DeriveThreadID("offer-1", "demand-1"),
		OfferID:   "offer-1",
		DemandID:  "demand-1",
		Requestor: requestorID,
		Provider:  providerID,
		Status:    market.ThreadStatusApproving,
		History: []market.Proposal{
			{ID: 0, Author: requestorID, Terms: terms, PrevID: -1},
		},
		ApprovedBy: providerID,
		ApprovedID: 0,
	}
}

func newManager(t *testing.T, opts ...Option) (*Manager, *sigs.HMACIdentity) {
	t.Helper()
	ids := sigs.NewHMAC()
	_, err := ids.AddParty(providerID, nil)
	require.NoError(t, err)
	_, err = ids.AddParty(requestorID, nil)
	require.NoError(t, err)
	return NewManager(dss.MutexWrap(datastore.NewMapDatastore()), ids, opts...), ids
}

func TestFinalizeProducesConvergentAgreement(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	thread := approvedThread(t)

	ag, err := m.Finalize(ctx, thread)
	require.NoError(t, err)
	require.Equal(t, DeriveAgreementID(thread.ID), ag.ID)
	require.Equal(t, thread.History[0].Terms, ag.Terms)
	require.Equal(t, market.AgreementPending, ag.Status)
	require.NotEmpty(t, ag.RequestorSig)
	require.NotEmpty(t, ag.ProviderSig)
	require.Greater(t, ag.ValidTo, ag.ValidFrom)

	// finalizing again returns the stored agreement
	again, err := m.Finalize(ctx, thread)
	require.NoError(t, err)
	require.Equal(t, ag, again)

	got, err := m.ForThread(ctx, thread.ID)
	require.NoError(t, err)
	require.Equal(t, ag, got)
}

func TestFinalizeRejectsStaleApproval(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	thread := approvedThread(t)
	thread.History = append(thread.History, market.Proposal{
		ID: 1, Author: providerID, Terms: thread.History[0].Terms, PrevID: 0,
	})
	// approval still references proposal 0

	_, err := m.Finalize(ctx, thread)
	require.ErrorIs(t, err, market.ErrProtocolViolation)
}

func TestFinalizeFailsWithoutKeys(t *testing.T) {
	ctx := context.Background()
	ids := sigs.NewHMAC()
	// only the provider can sign
	_, err := ids.AddParty(providerID, nil)
	require.NoError(t, err)

	m := NewManager(dss.MutexWrap(datastore.NewMapDatastore()), ids)
	_, err = m.Finalize(ctx, approvedThread(t))
	require.ErrorIs(t, err, market.ErrSignatureMismatch)

	// nothing was stored
	_, err = m.List(ctx)
	require.NoError(t, err)
	ags, _ := m.List(ctx)
	require.Empty(t, ags)
}

func TestConfirmIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	ag, err := m.Finalize(ctx, approvedThread(t))
	require.NoError(t, err)

	require.NoError(t, m.Confirm(ctx, ag))
	require.NoError(t, m.Confirm(ctx, ag))

	got, err := m.Get(ctx, ag.ID)
	require.NoError(t, err)
	require.Equal(t, market.AgreementConfirmed, got.Status)
}

func TestConfirmRejectsDifferingTerms(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	ag, err := m.Finalize(ctx, approvedThread(t))
	require.NoError(t, err)

	tampered := ag
	tampered.Terms = []byte(`{"price.usd-per-hour":1}`)
	require.ErrorIs(t, m.Confirm(ctx, tampered), market.ErrInconsistency)
}

func TestConfirmRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	ag, err := m.Finalize(ctx, approvedThread(t))
	require.NoError(t, err)

	forged := ag
	forged.ProviderSig = []byte("not-a-signature")
	require.ErrorIs(t, m.Confirm(ctx, forged), market.ErrSignatureMismatch)
}

func TestConfirmAfterValidityWindowFails(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	m, _ := newManager(t, WithClock(clk), WithTerm(time.Hour))

	ag, err := m.Finalize(ctx, approvedThread(t))
	require.NoError(t, err)

	clk.Add(2 * time.Hour)
	require.Error(t, m.Confirm(ctx, ag))
}

func TestTerminateIsOneWay(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	ag, err := m.Finalize(ctx, approvedThread(t))
	require.NoError(t, err)
	require.NoError(t, m.Confirm(ctx, ag))

	require.NoError(t, m.Terminate(ctx, ag.ID, "workload finished"))
	require.NoError(t, m.Terminate(ctx, ag.ID, "ignored"))

	got, err := m.Get(ctx, ag.ID)
	require.NoError(t, err)
	require.Equal(t, market.AgreementTerminated, got.Status)
	require.Equal(t, "workload finished", got.Reason)
	// terms survive termination untouched
	require.Equal(t, ag.Terms, got.Terms)

	// a terminated agreement cannot be re-confirmed
	require.Error(t, m.Confirm(ctx, ag))

	require.ErrorIs(t, m.Terminate(ctx, "no-such-agreement", "x"), market.ErrNotFound)
}
