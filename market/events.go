package market

// ThreadEvent is an event applied to a negotiation thread's state machine.
type ThreadEvent uint64

const (
	// ThreadEventOpen records the initial proposal on a fresh thread.
	ThreadEventOpen ThreadEvent = iota

	// ThreadEventProposal records a counter-proposal.
	ThreadEventProposal

	// ThreadEventApprove records a valid approve of the latest proposal and
	// starts agreement finalization.
	ThreadEventApprove

	// ThreadEventFinalized records a confirmed agreement.
	ThreadEventFinalized

	// ThreadEventRejected records a rejection by either party.
	ThreadEventRejected

	// ThreadEventTerminated records termination with a reason.
	ThreadEventTerminated

	// ThreadEventExpired records a sweeper timeout.
	ThreadEventExpired
)

// ThreadEvents maps events to human-readable labels.
var ThreadEvents = map[ThreadEvent]string{
	ThreadEventOpen:       "Open",
	ThreadEventProposal:   "Proposal",
	ThreadEventApprove:    "Approve",
	ThreadEventFinalized:  "Finalized",
	ThreadEventRejected:   "Rejected",
	ThreadEventTerminated: "Terminated",
	ThreadEventExpired:    "Expired",
}

func (e ThreadEvent) String() string {
	if name, ok := ThreadEvents[e]; ok {
		return name
	}
	return "Unknown"
}

// TransitionEvent is emitted to external subscribers whenever a thread
// changes state.
type TransitionEvent struct {
	ThreadID ThreadID
	Old      ThreadStatus
	New      ThreadStatus
	Reason   string
}

// MatchEvent is emitted when the matcher finds a mutually satisfying
// offer/demand pair. Score orders candidates; it has no correctness meaning.
type MatchEvent struct {
	SubjectID   EntryID
	SubjectKind EntryKind
	CandidateID EntryID
	Candidate   PartyID
	Score       int
}
