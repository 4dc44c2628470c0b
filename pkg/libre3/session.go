package libre3

import (
	"encoding/binary"
	"fmt"

	"github.com/glucolink/cgm-engine/pkg/crypto"
)

// IVSize is the length of the session IV.
const IVSize = 8

// Session encrypts and decrypts data packets once the handshake has
// exported kEnc and ivEnc.
type Session struct {
	KEnc  []byte
	IVEnc []byte
	// OutSequence numbers the next outbound packet.
	OutSequence uint16
}

// NewSession validates the key material.
func NewSession(kEnc, ivEnc []byte, sequence uint16) (*Session, error) {
	if len(kEnc) != KeySize {
		return nil, &crypto.CryptoError{Op: "libre3 session", Err: crypto.ErrKeySize}
	}
	if len(ivEnc) != IVSize {
		return nil, &crypto.CryptoError{Op: "libre3 session", Err: crypto.ErrNonceSize}
	}
	return &Session{
		KEnc:        append([]byte(nil), kEnc...),
		IVEnc:       append([]byte(nil), ivEnc...),
		OutSequence: sequence,
	}, nil
}

// Encrypt seals plain under the outbound sequence and appends the
// sequence as two little-endian bytes.
func (s *Session) Encrypt(t PacketType, plain []byte) ([]byte, error) {
	sealed, err := crypto.CCMSeal(s.KEnc, crypto.OutgoingNonce(s.OutSequence, t.Descriptor(), s.IVEnc), plain, nil, MACSize)
	if err != nil {
		return nil, err
	}
	sealed = binary.LittleEndian.AppendUint16(sealed, s.OutSequence)
	s.OutSequence++
	return sealed, nil
}

// Decrypt opens a notified packet whose last two bytes carry the
// sender's sequence.
func (s *Session) Decrypt(t PacketType, msg []byte) ([]byte, error) {
	if len(msg) < MACSize+2 {
		return nil, fmt.Errorf("libre3: packet of %d bytes", len(msg))
	}
	nonce, err := crypto.IncomingNonce(msg, t.Descriptor(), s.IVEnc)
	if err != nil {
		return nil, err
	}
	return crypto.CCMOpen(s.KEnc, nonce, msg[:len(msg)-2], nil, MACSize)
}

// ControlKind selects a patch control request.
type ControlKind int

const (
	ControlHistoric ControlKind = iota + 1
	ControlBackfill
	ControlEventLog
	ControlFactoryData
	ControlShutdown
)

// ControlCommand builds the 7-byte patch control request. from is the
// life count to resume from for historic and backfill requests.
func ControlCommand(kind ControlKind, from uint32) []byte {
	cmd := make([]byte, 7)
	switch kind {
	case ControlHistoric:
		copy(cmd, []byte{0x01, 0x00, 0x01})
		binary.LittleEndian.PutUint32(cmd[3:], from)
	case ControlBackfill:
		copy(cmd, []byte{0x01, 0x01, 0x01})
		binary.LittleEndian.PutUint32(cmd[3:], from)
	case ControlEventLog:
		copy(cmd, []byte{0x04, 0x01, 0x00})
	case ControlFactoryData:
		copy(cmd, []byte{0x06, 0x00, 0x00})
	case ControlShutdown:
		copy(cmd, []byte{0x05, 0x00, 0x00})
	}
	return cmd
}
