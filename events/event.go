// Package events defines the lifecycle event envelope shared by the
// push (websocket) and poll (HTTP) delivery paths, and a small typed
// event bus used on the client side.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind tags a lifecycle event. The string values are part of the wire
// contract.
type Kind string

const (
	KindCredentialExpiring    Kind = "credential-expiring"
	KindCredentialRefreshed   Kind = "credential-refreshed"
	KindCredentialInvalid     Kind = "credential-invalid"
	KindCredentialRevoked     Kind = "credential-revoked"
	KindSessionTimeoutWarning Kind = "session-timeout-warning"
	KindSessionExtended       Kind = "session-extended"
	KindSessionTerminated     Kind = "session-terminated"
	KindSecurityAlert         Kind = "security-alert"
)

// KindAny subscribes to every event kind on a Bus.
const KindAny Kind = "*"

var validKinds = map[Kind]bool{
	KindCredentialExpiring:    true,
	KindCredentialRefreshed:   true,
	KindCredentialInvalid:     true,
	KindCredentialRevoked:     true,
	KindSessionTimeoutWarning: true,
	KindSessionExtended:       true,
	KindSessionTerminated:     true,
	KindSecurityAlert:         true,
}

// Valid reports whether k names a known lifecycle event kind.
func (k Kind) Valid() bool {
	return validKinds[k]
}

// ChannelType identifies a level of the channel hierarchy.
type ChannelType string

const (
	ChannelUser    ChannelType = "user"
	ChannelDevice  ChannelType = "device"
	ChannelSession ChannelType = "session"
	ChannelTab     ChannelType = "tab"
	ChannelGlobal  ChannelType = "global"
)

// ChannelID names a broadcast channel: a hierarchy level plus its key.
type ChannelID struct {
	Type ChannelType `json:"type"`
	Key  string      `json:"key"`
}

func (c ChannelID) String() string {
	return string(c.Type) + ":" + c.Key
}

// ParseChannelID parses "type:key" back into a ChannelID.
func ParseChannelID(s string) (ChannelID, error) {
	typ, key, ok := strings.Cut(s, ":")
	if !ok {
		return ChannelID{}, fmt.Errorf("malformed channel id %q", s)
	}
	ct := ChannelType(typ)
	switch ct {
	case ChannelUser, ChannelDevice, ChannelSession, ChannelTab, ChannelGlobal:
		return ChannelID{Type: ct, Key: key}, nil
	}
	return ChannelID{}, fmt.Errorf("unknown channel type %q", typ)
}

// Propagation selects how a published event travels through the
// hierarchy beyond its target channel.
type Propagation int

const (
	PropagateNone Propagation = iota
	PropagateUp
	PropagateDown
)

// Event is an immutable lifecycle notification. ID is assigned by the
// lifecycle controller and is monotonic per process; the poll path
// relies on that ordering.
type Event struct {
	ID        uint64          `json:"event_id"`
	Kind      Kind            `json:"kind"`
	Channel   ChannelID       `json:"target_channel"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Nonce     string          `json:"nonce"`
}

// Validate rejects envelopes that would poison downstream dispatch.
func (e *Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Channel.Type != ChannelGlobal && e.Channel.Key == "" {
		return fmt.Errorf("event kind %q has empty channel key", e.Kind)
	}
	switch e.Channel.Type {
	case ChannelUser, ChannelDevice, ChannelSession, ChannelTab, ChannelGlobal:
	default:
		return fmt.Errorf("unknown channel type %q", e.Channel.Type)
	}
	return nil
}
