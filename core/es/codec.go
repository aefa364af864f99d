package es

import (
	"context"
	"encoding/json"
	"iter"
)

// Codec serializes values for durable storage.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// Encryptor is the secrets-provider boundary: a synchronous
// encrypt/decrypt capability applied to payload bytes before storage and
// after retrieval. The provider's protocol (Vault or otherwise) is not the
// core's concern.
type Encryptor interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(cipher []byte) ([]byte, error)
}

// NopEncryptor stores payloads as-is.
type NopEncryptor struct{}

func (NopEncryptor) Encrypt(b []byte) ([]byte, error) { return b, nil }
func (NopEncryptor) Decrypt(b []byte) ([]byte, error) { return b, nil }

// EncryptedStore wraps an EventStore, encrypting event payloads on append
// and decrypting them on every read path. Sequencing, statistics and anchor
// updates pass straight through.
type EncryptedStore struct {
	inner EventStore
	enc   Encryptor
}

func NewEncryptedStore(inner EventStore, enc Encryptor) *EncryptedStore {
	return &EncryptedStore{inner: inner, enc: enc}
}

func (s *EncryptedStore) Append(ctx context.Context, req AppendRequest) (Event, error) {
	cipher, err := s.enc.Encrypt(req.Payload)
	if err != nil {
		return Event{}, err
	}
	req.Payload = cipher
	ev, err := s.inner.Append(ctx, req)
	if err != nil {
		return Event{}, err
	}
	return s.decrypt(ev)
}

func (s *EncryptedStore) Events(ctx context.Context, tenantID, aggregateID string, opts ...RangeOption) iter.Seq2[Event, error] {
	return s.decryptSeq(s.inner.Events(ctx, tenantID, aggregateID, opts...))
}

func (s *EncryptedStore) EventsByType(ctx context.Context, tenantID, eventType string, opts ...TimeRangeOption) iter.Seq2[Event, error] {
	return s.decryptSeq(s.inner.EventsByType(ctx, tenantID, eventType, opts...))
}

func (s *EncryptedStore) LastSequence(ctx context.Context, tenantID, aggregateID string) (uint64, error) {
	return s.inner.LastSequence(ctx, tenantID, aggregateID)
}

func (s *EncryptedStore) SetExternalAnchorRef(ctx context.Context, tenantID, eventID, ref string) error {
	return s.inner.SetExternalAnchorRef(ctx, tenantID, eventID, ref)
}

func (s *EncryptedStore) decrypt(ev Event) (Event, error) {
	plain, err := s.enc.Decrypt(ev.Payload)
	if err != nil {
		return Event{}, err
	}
	ev.Payload = plain
	return ev, nil
}

func (s *EncryptedStore) decryptSeq(seq iter.Seq2[Event, error]) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for ev, err := range seq {
			if err != nil {
				yield(Event{}, err)
				return
			}
			ev, err = s.decrypt(ev)
			if !yield(ev, err) {
				return
			}
		}
	}
}

var _ EventStore = (*EncryptedStore)(nil)
