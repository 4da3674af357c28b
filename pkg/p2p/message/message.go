package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"pool_validator/pkg/data"
)

// MessageType represents the type of message
type MessageType string

const (
	FetchRequestMessage MessageType = "fetch"
	RoundSummaryMessage MessageType = "round_summary"
)

// Version is the envelope format version
const Version = "1.0.0"

var (
	ErrUnsigned         = errors.New("message is not signed")
	ErrInvalidSignature = errors.New("signature verification failed")
	ErrWrongRecipient   = errors.New("message addressed to another peer")
)

// Message is the signed envelope exchanged between validator and workers
type Message struct {
	Type      MessageType     `json:"type"`
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	SenderID  peer.ID         `json:"sender_id"`
	Recipient peer.ID         `json:"recipient,omitempty"`
	Data      json.RawMessage `json:"data"`
	Signature []byte          `json:"signature,omitempty"`
}

// NewMessage creates a new unsigned message carrying payload
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Version:   Version,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// Marshal serializes the message
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// MarshalWithoutSignature serializes every field except the signature
func (m *Message) MarshalWithoutSignature() ([]byte, error) {
	temp := *m
	temp.Signature = nil
	return json.Marshal(&temp)
}

// Unmarshal deserializes the message
func (m *Message) Unmarshal(b []byte) error {
	return json.Unmarshal(b, m)
}

// Sign sets the sender from key and signs the message
func (m *Message) Sign(key crypto.PrivKey) error {
	sender, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return fmt.Errorf("deriving sender id: %w", err)
	}
	m.SenderID = sender

	payload, err := m.MarshalWithoutSignature()
	if err != nil {
		return fmt.Errorf("marshaling message for signing: %w", err)
	}

	sig, err := key.Sign(payload)
	if err != nil {
		return fmt.Errorf("signing message: %w", err)
	}
	m.Signature = sig
	return nil
}

// Verify checks the signature against the public key embedded in the sender id
func (m *Message) Verify() error {
	if len(m.Signature) == 0 {
		return ErrUnsigned
	}

	pubKey, err := m.SenderID.ExtractPublicKey()
	if err != nil {
		return fmt.Errorf("extracting sender key: %w", err)
	}

	payload, err := m.MarshalWithoutSignature()
	if err != nil {
		return fmt.Errorf("marshaling message for verification: %w", err)
	}

	ok, err := pubKey.Verify(payload, m.Signature)
	if err != nil || !ok {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyFor checks the signature and that the message is addressed to self
func (m *Message) VerifyFor(self peer.ID) error {
	if err := m.Verify(); err != nil {
		return err
	}
	if m.Recipient != "" && m.Recipient != self {
		return ErrWrongRecipient
	}
	return nil
}

// DecodeData unmarshals the payload into v
func (m *Message) DecodeData(v interface{}) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", m.Type, err)
	}
	return nil
}

// FetchRequest asks a worker for the pool events of a task
type FetchRequest struct {
	Query data.Task `json:"query"`
}

// RoundSummary is broadcast after each round for observers
type RoundSummary struct {
	RoundID       string          `json:"round_id"`
	Task          string          `json:"task,omitempty"`
	Outcome       string          `json:"outcome"`
	ConsensusHash string          `json:"consensus_hash,omitempty"`
	Supporters    int             `json:"supporters"`
	Polled        int             `json:"polled"`
	Replied       int             `json:"replied"`
	Weights       data.Allocation `json:"weights,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	Duration      time.Duration   `json:"duration"`
}

// ErrorResponse is written by a worker that cannot serve a request
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
