package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// xorEncryptor is a toy cipher; enough to prove payloads are transformed
// on the way in and restored on the way out.
type xorEncryptor struct{ key byte }

func (e xorEncryptor) Encrypt(b []byte) ([]byte, error) {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ e.key
	}
	return out, nil
}

func (e xorEncryptor) Decrypt(b []byte) ([]byte, error) { return e.Encrypt(b) }

func TestEncryptedStore_RoundTrip(t *testing.T) {
	inner := NewInMemoryStore()
	defer inner.Close()
	store := NewEncryptedStore(inner, xorEncryptor{key: 0x5a})
	ctx := context.Background()

	plain := []byte(`{"caller":"+4930111111","callee":"+4930222222"}`)
	ev, err := store.Append(ctx, AppendRequest{
		TenantID: "tenant-a", AggregateID: "call-1", AggregateType: "Call",
		EventType: "CallStarted", EventVersion: 1,
		Payload: plain,
	})
	require.NoError(t, err)
	require.Equal(t, plain, []byte(ev.Payload), "append returns the plaintext event")

	// the inner store only ever sees ciphertext
	raw, err := CollectEvents(inner.Events(ctx, "tenant-a", "call-1"))
	require.NoError(t, err)
	require.Len(t, raw, 1)
	require.NotEqual(t, plain, []byte(raw[0].Payload))

	// every read path decrypts
	events, err := CollectEvents(store.Events(ctx, "tenant-a", "call-1"))
	require.NoError(t, err)
	require.Equal(t, plain, []byte(events[0].Payload))

	byType, err := CollectEvents(store.EventsByType(ctx, "tenant-a", "CallStarted"))
	require.NoError(t, err)
	require.Equal(t, plain, []byte(byType[0].Payload))

	// sequencing is untouched by the wrapper
	last, err := store.LastSequence(ctx, "tenant-a", "call-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), last)
}

func TestNopEncryptor(t *testing.T) {
	enc := NopEncryptor{}
	in := []byte("as-is")
	out, err := enc.Encrypt(in)
	require.NoError(t, err)
	require.Equal(t, in, out)
}
