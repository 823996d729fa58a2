package market

import "time"

// Proposal is one party's offered terms within a negotiation thread.
// Proposals are immutable once sent; each refines exactly one predecessor,
// forming a singly linked history with no forks.
type Proposal struct {
	// ID is the proposal's sequence number within the thread, starting at 0.
	ID     uint64
	Author PartyID

	// Terms holds the proposed terms as canonical property set bytes. The
	// final proposal's Terms become the agreement's final terms verbatim.
	Terms      []byte
	Constraint string

	// PrevID is the id of the proposal this one refines, or -1 for the
	// initial proposal.
	PrevID int64

	CreatedAt int64 // unix seconds
}

// NegotiationThread is one party's local copy of a negotiation. Both
// participants maintain their own copy, kept convergent only by the message
// exchange; there is no shared memory between them.
type NegotiationThread struct {
	ID ThreadID

	OfferID  EntryID
	DemandID EntryID

	// Requestor owns the demand and initiates; Provider owns the offer.
	Requestor PartyID
	Provider  PartyID

	Status  ThreadStatus
	History []Proposal

	// ApprovedBy and ApprovedID record the approve that moved the thread to
	// Approving; AgreementID is set once finalization succeeds.
	ApprovedBy  PartyID
	ApprovedID  uint64
	AgreementID AgreementID

	// Reason records why a terminal state was reached.
	Reason string

	LastActivity int64 // unix seconds
}

// Last returns the latest proposal in the history, or nil for a fresh thread.
func (t *NegotiationThread) Last() *Proposal {
	if len(t.History) == 0 {
		return nil
	}
	return &t.History[len(t.History)-1]
}

// NextProposalID is the sequence number the next appended proposal must
// carry. History ids are contiguous from 0.
func (t *NegotiationThread) NextProposalID() uint64 {
	return uint64(len(t.History))
}

// Counterparty returns the other participant from self's point of view.
func (t *NegotiationThread) Counterparty(self PartyID) PartyID {
	if self == t.Requestor {
		return t.Provider
	}
	return t.Requestor
}

// Participant reports whether p takes part in this thread.
func (t *NegotiationThread) Participant(p PartyID) bool {
	return p == t.Requestor || p == t.Provider
}

// Idle reports whether the thread has seen no activity for at least ttl.
func (t *NegotiationThread) Idle(now time.Time, ttl time.Duration) bool {
	return now.Unix() >= t.LastActivity+int64(ttl/time.Second)
}
