// Package v1 defines the Ripple realtime wire contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeSubscribe requests delivery for a topic path (client -> server).
	TypeSubscribe = "subscribe"
	// TypeUnsubscribe stops delivery for a topic path (client -> server).
	TypeUnsubscribe = "unsubscribe"
	// TypeAct carries a domain action addressed by an action path (client -> server).
	TypeAct = "act"

	// TypeSessionAck acknowledges an established session (server -> client).
	TypeSessionAck = "session_ack"
	// TypeEvent delivers a topic event (server -> client).
	TypeEvent = "event"
	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeSubscribe, TypeUnsubscribe, TypeAct:
		if strings.TrimSpace(e.Topic) == "" {
			return fmt.Errorf("%s: missing field: topic", e.Type)
		}
		return nil
	case TypeSessionAck, TypeEvent, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// NewEnvelope wraps an already-marshaled payload.
func NewEnvelope(typ, id, topic string, ts time.Time, payload json.RawMessage) Envelope {
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      id,
		Topic:   topic,
		TS:      ts,
		Payload: payload,
	}
}

// DecodePayload unmarshals the envelope payload into dst.
// A nil payload is reported as an error so callers cannot silently act on zero values.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("empty payload")
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
