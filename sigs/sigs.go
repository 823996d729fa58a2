// Package sigs carries the development identity scheme: HMAC-SHA256 over a
// per-party shared key. It stands in wherever a deployment has not wired a
// real signature backend behind market.Identity.
package sigs

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"sync"

	"golang.org/x/xerrors"

	"github.com/gridnet/go-grid-market/market"
)

// HMACIdentity signs with per-party symmetric keys. Keys never leave the
// process; both negotiation sides in tests share one instance.
type HMACIdentity struct {
	lk   sync.Mutex
	keys map[market.PartyID][]byte
}

var _ market.Identity = (*HMACIdentity)(nil)

// NewHMAC creates an identity store with no keys.
func NewHMAC() *HMACIdentity {
	return &HMACIdentity{keys: map[market.PartyID][]byte{}}
}

// AddParty registers a signing key for a party. A nil key generates a fresh
// random one. The key in use is returned.
func (h *HMACIdentity) AddParty(party market.PartyID, key []byte) ([]byte, error) {
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, xerrors.Errorf("generating party key: %w", err)
		}
	}
	h.lk.Lock()
	h.keys[party] = key
	h.lk.Unlock()
	return key, nil
}

// Sign produces the HMAC tag of data under the party's key.
func (h *HMACIdentity) Sign(ctx context.Context, party market.PartyID, data []byte) ([]byte, error) {
	key, err := h.key(party)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(party))
	mac.Write(data)
	return mac.Sum(nil), nil
}

// Verify checks a tag produced by Sign.
func (h *HMACIdentity) Verify(ctx context.Context, party market.PartyID, data, sig []byte) (bool, error) {
	expected, err := h.Sign(ctx, party, data)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, sig), nil
}

func (h *HMACIdentity) key(party market.PartyID) ([]byte, error) {
	h.lk.Lock()
	defer h.lk.Unlock()
	key, ok := h.keys[party]
	if !ok {
		return nil, xerrors.Errorf("no key registered for party %s", party)
	}
	return key, nil
}
