package market

import "context"

// MessageKind discriminates negotiation messages on the wire.
type MessageKind uint64

const (
	MsgProposal MessageKind = iota
	MsgApprove
	MsgReject
	MsgTerminate
)

func (k MessageKind) String() string {
	switch k {
	case MsgProposal:
		return "Proposal"
	case MsgApprove:
		return "Approve"
	case MsgReject:
		return "Reject"
	case MsgTerminate:
		return "Terminate"
	}
	return "Unknown"
}

// Message is the wire shape of every negotiation message. Delivery is
// at-least-once and possibly reordered; the coordinator deduplicates on
// (ThreadID, ProposalID) and buffers out-of-order arrivals.
type Message struct {
	ThreadID ThreadID
	Kind     MessageKind
	From     PartyID

	// OfferID and DemandID are carried on the initial proposal so the
	// receiving side can open its copy of the thread.
	OfferID  EntryID
	DemandID EntryID

	// ProposalID is the proposal this message introduces (MsgProposal) or
	// acts on (MsgApprove). PrevID is -1 on the initial proposal.
	ProposalID uint64
	PrevID     int64

	Terms      []byte
	Constraint string
	Reason     string

	// Signature is carried for the identity collaborator; the engine does
	// not interpret it.
	Signature []byte

	SentAt int64 // unix seconds, sender's clock
}

// Messaging is the transport collaborator. Implementations provide
// addressing, retries and at-least-once delivery; the engine owns dedup and
// reordering on top.
type Messaging interface {
	// Send delivers a negotiation message to the counterparty. A nil return
	// means the message was accepted for delivery, not that it arrived.
	Send(ctx context.Context, to PartyID, msg Message) error

	// Receive returns this party's stream of inbound negotiation messages.
	// The channel closes when the context is done.
	Receive(ctx context.Context) (<-chan Message, error)

	// Publish broadcasts an opaque payload on a discovery topic.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe returns the stream of payloads broadcast on a topic.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
}

// Identity is the signature collaborator. It proves authorship of a signed
// payload; key management and scheme selection live behind it.
type Identity interface {
	Sign(ctx context.Context, party PartyID, data []byte) ([]byte, error)
	Verify(ctx context.Context, party PartyID, data, sig []byte) (bool, error)
}
