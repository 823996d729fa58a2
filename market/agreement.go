package market

import "time"

// AgreementStatus is the lifecycle state of a finalized agreement.
type AgreementStatus uint64

const (
	// AgreementPending is an agreement built from an approved thread whose
	// confirmation has not completed yet.
	AgreementPending AgreementStatus = iota

	// AgreementConfirmed is an agreement whose both signatures verified over
	// byte-identical final terms.
	AgreementConfirmed

	// AgreementTerminated is final; termination is one-way and records a
	// reason. Final terms are never mutated.
	AgreementTerminated
)

// AgreementStatuses maps statuses to human-readable labels.
var AgreementStatuses = map[AgreementStatus]string{
	AgreementPending:    "Pending",
	AgreementConfirmed:  "Confirmed",
	AgreementTerminated: "Terminated",
}

func (s AgreementStatus) String() string {
	if name, ok := AgreementStatuses[s]; ok {
		return name
	}
	return "Unknown"
}

// Agreement is the signed artifact of a successful negotiation. Both
// signatures are over the exact Terms bytes; mismatched terms invalidate the
// agreement.
type Agreement struct {
	ID       AgreementID
	ThreadID ThreadID

	Requestor PartyID
	Provider  PartyID

	// Terms is the final proposal's canonical property bytes.
	Terms []byte

	RequestorSig []byte
	ProviderSig  []byte

	ValidFrom int64 // unix seconds
	ValidTo   int64

	Status AgreementStatus
	Reason string
}

// Valid reports whether the agreement's validity window covers now.
func (a *Agreement) Valid(now time.Time) bool {
	ts := now.Unix()
	return ts >= a.ValidFrom && ts < a.ValidTo
}
