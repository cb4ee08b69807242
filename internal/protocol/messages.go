// Package protocol holds the wire schemas of both sockets the relay speaks:
// Twilio Media Streams on the signaling side and ElevenLabs Conversational AI
// on the agent side. Decoding is closed: every frame maps to exactly one typed
// variant or fails with an error wrapping reliability.ErrProtocol.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/ent0n29/callrelay/internal/reliability"
)

var (
	ErrUnsupportedType = fmt.Errorf("%w: unsupported message type", reliability.ErrProtocol)
	ErrInvalidMessage  = fmt.Errorf("%w: invalid message", reliability.ErrProtocol)
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

// EventID is an agent event identifier kept as its raw JSON token, so a ping's
// id is echoed back byte-for-byte whether the agent sent a number or a string.
type EventID []byte

func (e EventID) MarshalJSON() ([]byte, error) {
	if len(e) == 0 {
		return []byte("null"), nil
	}
	return e, nil
}

func (e *EventID) UnmarshalJSON(data []byte) error {
	if e == nil {
		return errors.New("protocol: UnmarshalJSON on nil EventID")
	}
	if bytes.Equal(data, []byte("null")) {
		*e = nil
		return nil
	}
	*e = append((*e)[:0], data...)
	return nil
}

func (e EventID) String() string {
	return string(bytes.Trim(e, `"`))
}

// Seq returns the id as an ordinal when it is numeric.
func (e EventID) Seq() (int64, bool) {
	if len(e) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(e.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
