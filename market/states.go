package market

// ThreadStatus is the state of a negotiation thread's state machine.
type ThreadStatus uint64

const (
	// ThreadStatusNew is a thread that has been opened but carries no
	// proposal yet.
	ThreadStatusNew ThreadStatus = iota

	// ThreadStatusProposalSent is a thread with exactly the initial proposal
	// in its history.
	ThreadStatusProposalSent

	// ThreadStatusDraft is a thread in which at least one counter-proposal
	// has been exchanged.
	ThreadStatusDraft

	// ThreadStatusApproving is a thread for which a valid approve has been
	// observed and agreement finalization is in progress.
	ThreadStatusApproving

	// ThreadStatusApproved is terminal: the thread produced a confirmed
	// agreement.
	ThreadStatusApproved

	// ThreadStatusRejected is terminal: one party rejected the negotiation.
	ThreadStatusRejected

	// ThreadStatusTerminated is terminal: the thread was terminated, with a
	// reason recorded (local intent, protocol violation, delivery failure or
	// signature mismatch).
	ThreadStatusTerminated

	// ThreadStatusExpired is terminal: the sweeper timed the thread out.
	ThreadStatusExpired
)

// ThreadStatuses maps statuses to human-readable labels.
var ThreadStatuses = map[ThreadStatus]string{
	ThreadStatusNew:          "New",
	ThreadStatusProposalSent: "ProposalSent",
	ThreadStatusDraft:        "Draft",
	ThreadStatusApproving:    "Approving",
	ThreadStatusApproved:     "Approved",
	ThreadStatusRejected:     "Rejected",
	ThreadStatusTerminated:   "Terminated",
	ThreadStatusExpired:      "Expired",
}

func (s ThreadStatus) String() string {
	if name, ok := ThreadStatuses[s]; ok {
		return name
	}
	return "Unknown"
}

// Terminal reports whether the status is final. Once a thread is terminal no
// further proposal is accepted into its history.
func (s ThreadStatus) Terminal() bool {
	switch s {
	case ThreadStatusApproved, ThreadStatusRejected, ThreadStatusTerminated, ThreadStatusExpired:
		return true
	}
	return false
}
