package negotiation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	dss "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"

	"github.com/gridnet/go-grid-market/market"
	"github.com/gridnet/go-grid-market/market/agreement"
	"github.com/gridnet/go-grid-market/market/catalog"
	"github.com/gridnet/go-grid-market/market/props"
	"github.com/gridnet/go-grid-market/market/testnet"
	"github.com/gridnet/go-grid-market/sigs"
)

const (
	providerID  = market.PartyID("provider-1")
	requestorID = market.PartyID("requestor-1")
)

type testParty struct {
	id         market.PartyID
	cat        *catalog.Catalog
	agreements *agreement.Manager
	coord      *Coordinator
	endpoint   *testnet.Endpoint
}

type testHarness struct {
	t         *testing.T
	ctx       context.Context
	net       *testnet.Network
	ids       *sigs.HMACIdentity
	provider  *testParty
	requestor *testParty
	offer     market.Entry
	demand    market.Entry
}

func newTestParty(t *testing.T, ctx context.Context, net *testnet.Network, ids *sigs.HMACIdentity, id market.PartyID, opts ...Option) *testParty {
	t.Helper()
	_, err := ids.AddParty(id, nil)
	require.NoError(t, err)

	ds := dss.MutexWrap(datastore.NewMapDatastore())
	cat := catalog.New(ds)
	agreements := agreement.NewManager(ds, ids)
	endpoint := net.Endpoint(id)

	coord, err := NewCoordinator(id, ds, cat, endpoint, agreements, opts...)
	require.NoError(t, err)
	require.NoError(t, coord.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Stop(stopCtx)
	})

	return &testParty{id: id, cat: cat, agreements: agreements, coord: coord, endpoint: endpoint}
}

func newHarness(t *testing.T, opts ...Option) *testHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	net := testnet.New()
	ids := sigs.NewHMAC()

	h := &testHarness{
		t:         t,
		ctx:       ctx,
		net:       net,
		ids:       ids,
		provider:  newTestParty(t, ctx, net, ids, providerID, opts...),
		requestor: newTestParty(t, ctx, net, ids, requestorID, opts...),
	}

	offer, err := market.NewEntry(market.KindOffer, providerID, props.PropertySet{
		"cpu.cores":          props.Number(8),
		"price.usd-per-hour": props.Number(10),
	}, "(task.batch=true)", time.Now(), time.Hour)
	require.NoError(t, err)
	offer, err = h.provider.cat.Insert(ctx, offer)
	require.NoError(t, err)
	h.offer = offer

	demand, err := market.NewEntry(market.KindDemand, requestorID, props.PropertySet{
		"task.batch":         props.Bool(true),
		"price.usd-per-hour": props.Number(10),
	}, "(cpu.cores>=4)", time.Now(), time.Hour)
	require.NoError(t, err)
	demand, err = h.requestor.cat.Insert(ctx, demand)
	require.NoError(t, err)
	h.demand = demand

	return h
}

func (h *testHarness) waitStatus(p *testParty, id market.ThreadID, want market.ThreadStatus) market.NegotiationThread {
	h.t.Helper()
	var got market.NegotiationThread
	require.Eventually(h.t, func() bool {
		t, err := p.coord.GetThread(h.ctx, id)
		if err != nil {
			return false
		}
		got = t
		return t.Status == want
	}, 5*time.Second, 10*time.Millisecond, "waiting for %s to reach %s", id, want)
	return got
}

func (h *testHarness) waitProposals(p *testParty, id market.ThreadID, n int) market.NegotiationThread {
	h.t.Helper()
	var got market.NegotiationThread
	require.Eventually(h.t, func() bool {
		t, err := p.coord.GetThread(h.ctx, id)
		if err != nil {
			return false
		}
		got = t
		return len(t.History) >= n
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func priceTerms(t *testing.T, price float64) props.PropertySet {
	t.Helper()
	return props.PropertySet{
		"task.batch":         props.Bool(true),
		"price.usd-per-hour": props.Number(price),
	}
}

func TestApproveInitialProposal(t *testing.T) {
	h := newHarness(t)

	tid, err := h.requestor.coord.Initiate(h.ctx, h.offer, h.demand, nil, "")
	require.NoError(t, err)

	// provider opens its copy from the wire
	h.waitProposals(h.provider, tid, 1)

	require.NoError(t, h.provider.coord.Approve(h.ctx, tid, 0))

	reqThread := h.waitStatus(h.requestor, tid, market.ThreadStatusApproved)
	provThread := h.waitStatus(h.provider, tid, market.ThreadStatusApproved)
	require.Equal(t, provThread.AgreementID, reqThread.AgreementID)

	// both parties hold the same confirmed agreement over identical bytes
	reqAg, err := h.requestor.agreements.Get(h.ctx, reqThread.AgreementID)
	require.NoError(t, err)
	provAg, err := h.provider.agreements.Get(h.ctx, provThread.AgreementID)
	require.NoError(t, err)
	require.Equal(t, market.AgreementConfirmed, reqAg.Status)
	require.Equal(t, market.AgreementConfirmed, provAg.Status)
	require.Equal(t, provAg.Terms, reqAg.Terms)
	require.Equal(t, h.demand.Properties, reqAg.Terms)
}

func TestCounterThenApprove(t *testing.T) {
	h := newHarness(t)

	tid, err := h.requestor.coord.Initiate(h.ctx, h.offer, h.demand, priceTerms(t, 8), "")
	require.NoError(t, err)
	h.waitProposals(h.provider, tid, 1)

	// provider counters at 9
	require.NoError(t, h.provider.coord.Counter(h.ctx, tid, priceTerms(t, 9), ""))
	reqThread := h.waitProposals(h.requestor, tid, 2)
	require.Equal(t, market.ThreadStatusDraft, reqThread.Status)
	require.Equal(t, providerID, reqThread.Last().Author)
	require.Equal(t, int64(0), reqThread.Last().PrevID)

	// requestor accepts the counter
	require.NoError(t, h.requestor.coord.Approve(h.ctx, tid, 1))
	reqThread = h.waitStatus(h.requestor, tid, market.ThreadStatusApproved)
	h.waitStatus(h.provider, tid, market.ThreadStatusApproved)

	ag, err := h.requestor.agreements.ForThread(h.ctx, tid)
	require.NoError(t, err)
	expected, err := priceTerms(t, 9).Canonical()
	require.NoError(t, err)
	require.Equal(t, expected, ag.Terms)
}

func TestStaleApproveTerminatesThread(t *testing.T) {
	h := newHarness(t)

	tid, err := h.requestor.coord.Initiate(h.ctx, h.offer, h.demand, priceTerms(t, 8), "")
	require.NoError(t, err)
	h.waitProposals(h.provider, tid, 1)
	require.NoError(t, h.provider.coord.Counter(h.ctx, tid, priceTerms(t, 9), ""))
	h.waitProposals(h.requestor, tid, 2)

	// approving the superseded initial proposal is a protocol violation
	err = h.requestor.coord.Approve(h.ctx, tid, 0)
	require.ErrorIs(t, err, market.ErrProtocolViolation)

	reqThread := h.waitStatus(h.requestor, tid, market.ThreadStatusTerminated)
	require.Contains(t, reqThread.Reason, "protocol violation")
	h.waitStatus(h.provider, tid, market.ThreadStatusTerminated)

	// no agreement was produced on either side
	_, err = h.requestor.agreements.ForThread(h.ctx, tid)
	require.ErrorIs(t, err, market.ErrNotFound)
}

func TestCannotApproveOwnProposal(t *testing.T) {
	h := newHarness(t)

	tid, err := h.requestor.coord.Initiate(h.ctx, h.offer, h.demand, nil, "")
	require.NoError(t, err)

	err = h.requestor.coord.Approve(h.ctx, tid, 0)
	require.ErrorIs(t, err, market.ErrValidation)

	// the thread is still live
	got, err := h.requestor.coord.GetThread(h.ctx, tid)
	require.NoError(t, err)
	require.False(t, got.Status.Terminal())
}

func TestRejectPropagates(t *testing.T) {
	h := newHarness(t)

	tid, err := h.requestor.coord.Initiate(h.ctx, h.offer, h.demand, nil, "")
	require.NoError(t, err)
	h.waitProposals(h.provider, tid, 1)

	require.NoError(t, h.provider.coord.Reject(h.ctx, tid, "price too low"))
	provThread := h.waitStatus(h.provider, tid, market.ThreadStatusRejected)
	require.Equal(t, "price too low", provThread.Reason)
	h.waitStatus(h.requestor, tid, market.ThreadStatusRejected)
}

func TestTerminalStateIsMonotonic(t *testing.T) {
	h := newHarness(t)

	tid, err := h.requestor.coord.Initiate(h.ctx, h.offer, h.demand, nil, "")
	require.NoError(t, err)
	h.waitProposals(h.provider, tid, 1)
	require.NoError(t, h.provider.coord.Approve(h.ctx, tid, 0))
	h.waitStatus(h.requestor, tid, market.ThreadStatusApproved)

	// no operation moves a terminal thread
	require.ErrorIs(t, h.requestor.coord.Counter(h.ctx, tid, priceTerms(t, 1), ""), market.ErrThreadTerminal)
	require.ErrorIs(t, h.requestor.coord.Reject(h.ctx, tid, "too late"), market.ErrThreadTerminal)
	require.NoError(t, h.requestor.coord.Terminate(h.ctx, tid, "too late"))

	got, err := h.requestor.coord.GetThread(h.ctx, tid)
	require.NoError(t, err)
	require.Equal(t, market.ThreadStatusApproved, got.Status)
}

func TestInitiateValidation(t *testing.T) {
	h := newHarness(t)

	// only the demand owner initiates
	_, err := h.provider.coord.Initiate(h.ctx, h.offer, h.demand, nil, "")
	require.ErrorIs(t, err, market.ErrValidation)

	// offer and demand cannot be swapped
	_, err = h.requestor.coord.Initiate(h.ctx, h.demand, h.offer, nil, "")
	require.ErrorIs(t, err, market.ErrValidation)

	// initiating twice returns the same thread without a duplicate proposal
	tid, err := h.requestor.coord.Initiate(h.ctx, h.offer, h.demand, nil, "")
	require.NoError(t, err)
	again, err := h.requestor.coord.Initiate(h.ctx, h.offer, h.demand, nil, "")
	require.NoError(t, err)
	require.Equal(t, tid, again)

	got := h.waitProposals(h.requestor, tid, 1)
	require.Len(t, got.History, 1)
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)

	// every message from the requestor arrives twice
	h.requestor.endpoint.SetSendHook(func(to market.PartyID, msg market.Message) (int, error) {
		return 2, nil
	})

	tid, err := h.requestor.coord.Initiate(h.ctx, h.offer, h.demand, priceTerms(t, 8), "")
	require.NoError(t, err)
	provThread := h.waitProposals(h.provider, tid, 1)
	require.Len(t, provThread.History, 1)

	require.NoError(t, h.provider.coord.Approve(h.ctx, tid, 0))
	h.waitStatus(h.requestor, tid, market.ThreadStatusApproved)
	h.waitStatus(h.provider, tid, market.ThreadStatusApproved)

	agreements, err := h.provider.agreements.List(h.ctx)
	require.NoError(t, err)
	require.Len(t, agreements, 1)
}

func TestOutOfOrderDeliveryIsBuffered(t *testing.T) {
	h := newHarness(t)

	tid := market.DeriveThreadID(h.offer.ID, h.demand.ID)
	terms := h.demand.Properties

	open := market.Message{
		ThreadID:   tid,
		Kind:       market.MsgProposal,
		From:       requestorID,
		OfferID:    h.offer.ID,
		DemandID:   h.demand.ID,
		ProposalID: 0,
		PrevID:     -1,
		Terms:      terms,
		Constraint: "(cpu.cores>=4)",
	}
	counter := market.Message{
		ThreadID:   tid,
		Kind:       market.MsgProposal,
		From:       requestorID,
		ProposalID: 1,
		PrevID:     0,
		Terms:      terms,
	}

	// the counter arrives before the thread exists; it must wait for the
	// opening proposal instead of being dropped
	require.NoError(t, h.net.Inject(providerID, counter))
	require.NoError(t, h.net.Inject(providerID, open))

	got := h.waitProposals(h.provider, tid, 2)
	require.Equal(t, market.ThreadStatusDraft, got.Status)
	require.Equal(t, uint64(1), got.Last().ID)
}

func TestReorderTimeoutTerminates(t *testing.T) {
	h := newHarness(t, WithReorderTimeout(50*time.Millisecond))

	tid, err := h.requestor.coord.Initiate(h.ctx, h.offer, h.demand, nil, "")
	require.NoError(t, err)
	h.waitProposals(h.provider, tid, 1)

	// proposal 2 arrives but proposal 1 never does
	gap := market.Message{
		ThreadID:   tid,
		Kind:       market.MsgProposal,
		From:       requestorID,
		ProposalID: 2,
		PrevID:     1,
		Terms:      h.demand.Properties,
	}
	require.NoError(t, h.net.Inject(providerID, gap))

	got := h.waitStatus(h.provider, tid, market.ThreadStatusTerminated)
	require.Contains(t, got.Reason, "reorder window")
}

func TestDeliveryFailureTerminatesThread(t *testing.T) {
	h := newHarness(t, WithSendRetries(2, time.Millisecond))

	h.requestor.endpoint.SetSendHook(func(to market.PartyID, msg market.Message) (int, error) {
		return 0, context.DeadlineExceeded
	})

	tid, err := h.requestor.coord.Initiate(h.ctx, h.offer, h.demand, nil, "")
	require.NoError(t, err)

	got := h.waitStatus(h.requestor, tid, market.ThreadStatusTerminated)
	require.True(t, strings.HasPrefix(got.Reason, "delivery failure"), "reason %q", got.Reason)
}

func TestIdleThreadExpires(t *testing.T) {
	h := newHarness(t, WithIdleTTL(time.Nanosecond))

	tid, err := h.requestor.coord.Initiate(h.ctx, h.offer, h.demand, nil, "")
	require.NoError(t, err)
	h.waitProposals(h.requestor, tid, 1)

	expired, err := h.requestor.coord.ExpireIdle(h.ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	got, err := h.requestor.coord.GetThread(h.ctx, tid)
	require.NoError(t, err)
	require.Equal(t, market.ThreadStatusExpired, got.Status)

	// expiring again is a no-op
	expired, err = h.requestor.coord.ExpireIdle(h.ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Zero(t, expired)
}

func TestReapDropsLateReplays(t *testing.T) {
	h := newHarness(t)

	tid, err := h.requestor.coord.Initiate(h.ctx, h.offer, h.demand, nil, "")
	require.NoError(t, err)
	h.waitProposals(h.provider, tid, 1)
	require.NoError(t, h.provider.coord.Approve(h.ctx, tid, 0))
	h.waitStatus(h.provider, tid, market.ThreadStatusApproved)

	reaped, err := h.provider.coord.Reap(h.ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, reaped)

	_, err = h.provider.coord.GetThread(h.ctx, tid)
	require.ErrorIs(t, err, market.ErrNotFound)

	// a replayed proposal for the reaped thread does not reopen it
	replay := market.Message{
		ThreadID:   tid,
		Kind:       market.MsgProposal,
		From:       requestorID,
		OfferID:    h.offer.ID,
		DemandID:   h.demand.ID,
		ProposalID: 0,
		PrevID:     -1,
		Terms:      h.demand.Properties,
	}
	require.NoError(t, h.provider.coord.HandleMessage(h.ctx, replay))
	_, err = h.provider.coord.GetThread(h.ctx, tid)
	require.ErrorIs(t, err, market.ErrNotFound)
}

func TestTransitionEventsCarryOldAndNewState(t *testing.T) {
	h := newHarness(t)

	events := make(chan market.TransitionEvent, 16)
	unsub := h.requestor.coord.SubscribeTransitions(func(evt market.TransitionEvent) {
		events <- evt
	})
	defer unsub()

	tid, err := h.requestor.coord.Initiate(h.ctx, h.offer, h.demand, nil, "")
	require.NoError(t, err)
	h.waitProposals(h.provider, tid, 1)
	require.NoError(t, h.provider.coord.Approve(h.ctx, tid, 0))
	h.waitStatus(h.requestor, tid, market.ThreadStatusApproved)

	var seen []market.TransitionEvent
	deadline := time.After(5 * time.Second)
	for len(seen) < 3 {
		select {
		case evt := <-events:
			if evt.ThreadID == tid {
				seen = append(seen, evt)
			}
		case <-deadline:
			t.Fatalf("timed out after %d transitions", len(seen))
		}
	}

	require.Equal(t, market.ThreadStatusNew, seen[0].Old)
	require.Equal(t, market.ThreadStatusProposalSent, seen[0].New)
	require.Equal(t, market.ThreadStatusProposalSent, seen[1].Old)
	require.Equal(t, market.ThreadStatusApproving, seen[1].New)
	require.Equal(t, market.ThreadStatusApproving, seen[2].Old)
	require.Equal(t, market.ThreadStatusApproved, seen[2].New)
}
