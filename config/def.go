// Package config holds the node configuration, encoded as TOML on disk.
package config

import (
	"encoding"
	"time"
)

// Node is the marketplace node config.
type Node struct {
	Party     Party
	Datastore Datastore
	Matching  Matching
	Negotiate Negotiate
	Sweep     Sweep
}

// Party identifies this node on the marketplace.
type Party struct {
	// ID is the party identifier other participants address messages to.
	ID string
}

// Datastore locates the on-disk state.
type Datastore struct {
	// Path is the leveldb directory holding catalog, thread and agreement
	// state.
	Path string
}

// Matching tunes discovery and the periodic local scan.
type Matching struct {
	// ScanInterval is how often the local catalog is scanned for new entries
	// to match.
	ScanInterval Duration

	// EntryLifetime is the default lifetime of published entries.
	EntryLifetime Duration
}

// Negotiate tunes the negotiation coordinator.
type Negotiate struct {
	// IdleTTL is how long a thread may sit without activity before it is
	// expired.
	IdleTTL Duration

	// ReorderTimeout bounds how long an out-of-order message may wait for the
	// gap before it to fill.
	ReorderTimeout Duration

	// SendRetries is the delivery attempt budget per message.
	SendRetries int

	// RetryBackoff is the pause between delivery attempts.
	RetryBackoff Duration

	// AgreementTerm is the validity window granted to confirmed agreements.
	AgreementTerm Duration
}

// Sweep tunes the periodic expiration pass.
type Sweep struct {
	// Interval is the sweep period.
	Interval Duration

	// Retention is how long terminal threads are kept before reaping.
	Retention Duration
}

// Default returns the default node config.
func Default() *Node {
	return &Node{
		Party: Party{
			ID: "",
		},
		Datastore: Datastore{
			Path: "~/.grid-market/datastore",
		},
		Matching: Matching{
			ScanInterval:  Duration(30 * time.Second),
			EntryLifetime: Duration(time.Hour),
		},
		Negotiate: Negotiate{
			IdleTTL:        Duration(time.Hour),
			ReorderTimeout: Duration(30 * time.Second),
			SendRetries:    5,
			RetryBackoff:   Duration(time.Second),
			AgreementTerm:  Duration(24 * time.Hour),
		},
		Sweep: Sweep{
			Interval:  Duration(time.Minute),
			Retention: Duration(24 * time.Hour),
		},
	}
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return err
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}
