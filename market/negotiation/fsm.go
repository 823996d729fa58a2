package negotiation

import (
	"context"

	"github.com/filecoin-project/go-statemachine/fsm"

	"github.com/gridnet/go-grid-market/market"
)

// Environment provides the side effects state entry handlers need. It is
// implemented by the Coordinator.
type Environment interface {
	// Finalize signs the thread's final terms and stores the agreement.
	Finalize(ctx context.Context, t market.NegotiationThread) (market.Agreement, error)

	// Now is the coordinator's clock, in unix seconds.
	Now() int64
}

// ThreadFSMEvents describes every transition a negotiation thread can make.
// Both participants run this same table over their own local copy; the
// histories converge only through the message exchange.
var ThreadFSMEvents = fsm.Events{
	// opening with the initial proposal
	fsm.Event(market.ThreadEventOpen).
		From(market.ThreadStatusNew).To(market.ThreadStatusProposalSent).
		Action(func(t *market.NegotiationThread, p market.Proposal) error {
			t.History = append(t.History, p)
			t.LastActivity = p.CreatedAt
			return nil
		}),

	// counter-proposals
	fsm.Event(market.ThreadEventProposal).
		From(market.ThreadStatusProposalSent).To(market.ThreadStatusDraft).
		From(market.ThreadStatusDraft).ToNoChange().
		Action(func(t *market.NegotiationThread, p market.Proposal) error {
			t.History = append(t.History, p)
			t.LastActivity = p.CreatedAt
			return nil
		}),

	// approval of the latest proposal
	fsm.Event(market.ThreadEventApprove).
		FromMany(market.ThreadStatusProposalSent, market.ThreadStatusDraft).To(market.ThreadStatusApproving).
		Action(func(t *market.NegotiationThread, by market.PartyID, proposalID uint64, at int64) error {
			t.ApprovedBy = by
			t.ApprovedID = proposalID
			t.LastActivity = at
			return nil
		}),

	// finalization outcome
	fsm.Event(market.ThreadEventFinalized).
		From(market.ThreadStatusApproving).To(market.ThreadStatusApproved).
		Action(func(t *market.NegotiationThread, agreement market.AgreementID, at int64) error {
			t.AgreementID = agreement
			t.LastActivity = at
			return nil
		}),

	// rejection by either party
	fsm.Event(market.ThreadEventRejected).
		FromMany(market.ThreadStatusNew, market.ThreadStatusProposalSent, market.ThreadStatusDraft).To(market.ThreadStatusRejected).
		Action(recordReason),

	// termination: local intent, protocol violation, delivery failure or
	// signature mismatch during finalization
	fsm.Event(market.ThreadEventTerminated).
		FromMany(market.ThreadStatusNew, market.ThreadStatusProposalSent,
			market.ThreadStatusDraft, market.ThreadStatusApproving).To(market.ThreadStatusTerminated).
		Action(recordReason),

	// sweeper timeout
	fsm.Event(market.ThreadEventExpired).
		FromMany(market.ThreadStatusNew, market.ThreadStatusProposalSent,
			market.ThreadStatusDraft, market.ThreadStatusApproving).To(market.ThreadStatusExpired).
		Action(recordReason),
}

func recordReason(t *market.NegotiationThread, reason string, at int64) error {
	t.Reason = reason
	t.LastActivity = at
	return nil
}

// ThreadStateEntryFuncs are the handlers run on entering a state.
var ThreadStateEntryFuncs = fsm.StateEntryFuncs{
	market.ThreadStatusApproving: FinalizeThread,
}

// ThreadFinalityStates are the terminal states of a thread. The state machine
// group refuses further events once one is reached.
var ThreadFinalityStates = []fsm.StateKey{
	market.ThreadStatusApproved,
	market.ThreadStatusRejected,
	market.ThreadStatusTerminated,
	market.ThreadStatusExpired,
}

// FinalizeThread runs on entering Approving: it asks the environment to sign
// and store the agreement, then drives the thread to Approved or, on a
// signature failure, to Terminated.
func FinalizeThread(ctx fsm.Context, environment Environment, t market.NegotiationThread) error {
	ag, err := environment.Finalize(ctx.Context(), t)
	if err != nil {
		return ctx.Trigger(market.ThreadEventTerminated, err.Error(), environment.Now())
	}
	return ctx.Trigger(market.ThreadEventFinalized, ag.ID, environment.Now())
}
