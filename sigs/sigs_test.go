package sigs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	ctx := context.Background()
	ids := NewHMAC()
	_, err := ids.AddParty("provider-1", nil)
	require.NoError(t, err)
	_, err = ids.AddParty("requestor-1", nil)
	require.NoError(t, err)

	data := []byte(`{"price.usd-per-hour":9}`)
	sig, err := ids.Sign(ctx, "provider-1", data)
	require.NoError(t, err)

	ok, err := ids.Verify(ctx, "provider-1", data, sig)
	require.NoError(t, err)
	require.True(t, ok)

	// tampered payload fails
	ok, err = ids.Verify(ctx, "provider-1", []byte(`{"price.usd-per-hour":1}`), sig)
	require.NoError(t, err)
	require.False(t, ok)

	// a signature is bound to its author
	ok, err = ids.Verify(ctx, "requestor-1", data, sig)
	require.NoError(t, err)
	require.False(t, ok)

	// unknown parties cannot sign
	_, err = ids.Sign(ctx, "stranger", data)
	require.Error(t, err)
}

func TestExplicitKeysAreDeterministic(t *testing.T) {
	ctx := context.Background()
	key := []byte("0123456789abcdef0123456789abcdef")

	a := NewHMAC()
	_, err := a.AddParty("provider-1", key)
	require.NoError(t, err)
	b := NewHMAC()
	_, err = b.AddParty("provider-1", key)
	require.NoError(t, err)

	data := []byte("terms")
	sigA, err := a.Sign(ctx, "provider-1", data)
	require.NoError(t, err)
	ok, err := b.Verify(ctx, "provider-1", data, sigA)
	require.NoError(t, err)
	require.True(t, ok)
}
