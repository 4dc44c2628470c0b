// Package link holds the types authentication machines share with the
// transport that carries their messages.
package link

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrUnexpectedMessage is returned by a machine for a message it has no
// transition for. Callers log it and keep the session.
var ErrUnexpectedMessage = errors.New("unexpected message")

// Write is one outbound request for the transport.
type Write struct {
	Channel        string `json:"channel"`
	Data           []byte `json:"data,omitempty"`
	ExpectResponse bool   `json:"expectResponse"`
	// Subscribe asks the transport to enable notifications on Channel
	// instead of writing Data.
	Subscribe bool `json:"subscribe,omitempty"`
}

func (w Write) String() string {
	if w.Subscribe {
		return fmt.Sprintf("subscribe %s", w.Channel)
	}
	return fmt.Sprintf("write %s %s", w.Channel, hex.EncodeToString(w.Data))
}

// StateFunc is notified of every authentication state a machine enters.
type StateFunc func(state string)

// Machine is a per-session authentication state machine.
type Machine interface {
	// Start emits the opening requests of the handshake.
	Start() ([]Write, error)
	// Handle consumes one reassembled message received on channel.
	Handle(channel string, msg []byte) ([]Write, error)
	State() string
	Authenticated() bool
}

// Unexpected wraps ErrUnexpectedMessage with the offending context.
func Unexpected(state, channel string, msg []byte) error {
	return fmt.Errorf("%w: %d bytes on %s in state %s", ErrUnexpectedMessage, len(msg), channel, state)
}
