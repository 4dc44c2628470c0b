package libre2

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/glucolink/cgm-engine/pkg/reassembly"
	"github.com/glucolink/cgm-engine/pkg/sensor"
)

// NFC custom command codes.
const (
	CodeUniversal  = 0xA1
	CodeReadBlock  = 0xB0
	CodeReadBlocks = 0xB3
)

// Subcommand is an A1 subcommand.
type Subcommand byte

const (
	SubUnknown10      Subcommand = 0x10
	SubUnlock         Subcommand = 0x1a
	SubActivate       Subcommand = 0x1b
	SubUnknown1C      Subcommand = 0x1c
	SubUnknown1D      Subcommand = 0x1d
	SubEnableStream   Subcommand = 0x1e
	SubGetSessionInfo Subcommand = 0x1f
	SubReadChallenge  Subcommand = 0x20
	SubReadBlocks     Subcommand = 0x21
	SubReadAttribute  Subcommand = 0x22
)

func (s Subcommand) String() string {
	switch s {
	case SubUnlock:
		return "unlock"
	case SubActivate:
		return "activate"
	case SubEnableStream:
		return "enable BLE streaming"
	case SubGetSessionInfo:
		return "get session info"
	case SubReadChallenge:
		return "read security challenge"
	case SubReadBlocks:
		return "read FRAM blocks"
	case SubReadAttribute:
		return "read patch attribute"
	}
	return fmt.Sprintf("[unknown: 0x%02x]", byte(s))
}

// keyed reports whether the subcommand carries a CommandSuffix.
func (s Subcommand) keyed() bool { return s < 0x20 }

// Command is an ISO 15693 custom command.
type Command struct {
	Code        byte   `json:"code"`
	Parameters  []byte `json:"parameters"`
	Description string `json:"description"`
}

func (c Command) String() string {
	if len(c.Parameters) == 0 {
		return fmt.Sprintf("%02x (%s)", c.Code, c.Description)
	}
	return fmt.Sprintf("%02x %s (%s)", c.Code, hex.EncodeToString(c.Parameters), c.Description)
}

// NFCError is a failed NFC exchange.
type NFCError int

const (
	ErrCommandNotSupported NFCError = iota + 1
	ErrCustomCommand
	ErrRead
	ErrReadBlocks
	ErrWrite
)

func (e NFCError) Error() string {
	switch e {
	case ErrCommandNotSupported:
		return "command not supported"
	case ErrCustomCommand:
		return "custom command error"
	case ErrRead:
		return "read error"
	case ErrReadBlocks:
		return "reading blocks error"
	case ErrWrite:
		return "write error"
	}
	return "nfc error"
}

// ISOErrorDescription describes an ISO 15693 response error code.
func ISOErrorDescription(code int) string {
	switch code {
	case 0x00:
		return "none"
	case 0x01:
		return "command not supported"
	case 0x02:
		return "command not recognized (format error)"
	case 0x03:
		return "option not supported"
	case 0x0f:
		return "unknown"
	case 0x10:
		return "block not available (out of memory range)"
	case 0x11:
		return "block already locked -- cannot be locked again"
	case 0x12:
		return "block locked -- content cannot be changed"
	}
	return fmt.Sprintf("[code: 0x%02x]", code)
}

// Commands builds the NFC commands for one sensor.
type Commands struct {
	UID                sensor.UID
	SecurityGeneration int
	Cipher             Cipher
	// Secret keys the CommandSuffix; zero means the cipher's default.
	Secret uint16
}

// PatchInfo is the bare A1 command returning the patch info.
func (c Commands) PatchInfo() Command {
	return Command{Code: CodeUniversal, Description: "get patch info"}
}

// Subcommand builds A1 + code + parameters, keyed below 0x20.
func (c Commands) Subcommand(code Subcommand, params []byte) (Command, error) {
	out := append([]byte{byte(code)}, params...)
	if code.keyed() {
		cipher := c.Cipher
		if cipher == nil {
			cipher = Unavailable{}
		}
		suffix, err := cipher.CommandSuffix(c.UID, uint16(code), c.Secret)
		if err != nil {
			return Command{}, fmt.Errorf("libre2: %s command: %w", code, err)
		}
		out = append(out, suffix...)
	}
	return Command{Code: CodeUniversal, Parameters: out, Description: code.String()}, nil
}

// Activate builds the activation command. Gen2 sensors cannot be
// activated by this engine.
func (c Commands) Activate() (Command, error) {
	if c.SecurityGeneration >= 2 {
		return Command{}, ErrCommandNotSupported
	}
	return c.Subcommand(SubActivate, nil)
}

// EnableStreaming builds the command enabling BLE streaming with the
// given unlock code.
func (c Commands) EnableStreaming(unlockCode uint32) (Command, error) {
	params := make([]byte, 4)
	binary.LittleEndian.PutUint32(params, unlockCode)
	return c.Subcommand(SubEnableStream, params)
}

// ReadBlocks builds the command reading count blocks from block from: B0
// for one block, B3 for several, A1 21 for Gen2 sensors below block 256.
func (c Commands) ReadBlocks(from, count int) Command {
	if c.SecurityGeneration > 1 && from <= 0xFF {
		return Command{
			Code:        CodeUniversal,
			Parameters:  []byte{byte(SubReadBlocks), byte(from), byte(count - 1)},
			Description: SubReadBlocks.String(),
		}
	}
	if count == 1 {
		return Command{Code: CodeReadBlock, Parameters: []byte{byte(from), byte(from >> 8)}, Description: "B0 read block"}
	}
	return Command{Code: CodeReadBlocks, Parameters: []byte{byte(from), byte(from >> 8), byte(count - 1)}, Description: "B3 read blocks"}
}

// ParseEnableStreaming returns the BLE MAC address in an enable-streaming
// reply.
func ParseEnableStreaming(output []byte) (string, error) {
	if len(output) < 6 {
		return "", fmt.Errorf("libre2: enable streaming reply is %d bytes", len(output))
	}
	mac := make([]byte, 0, 17)
	for i := 5; i >= 0; i-- {
		mac = append(mac, fmt.Sprintf("%02X", output[i])...)
		if i > 0 {
			mac = append(mac, ':')
		}
	}
	return string(mac), nil
}

// Tag sends custom commands to a tag in the field.
type Tag interface {
	Send(ctx context.Context, cmd Command) ([]byte, error)
}

// tagBlocks reads blocks with custom commands.
type tagBlocks struct {
	tag      Tag
	commands Commands
}

func (t tagBlocks) ReadBlocks(ctx context.Context, from, count int) ([]byte, error) {
	cmd := t.commands.ReadBlocks(from, count)
	out, err := t.tag.Send(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrReadBlocks, cmd, err)
	}
	if cmd.Code == CodeUniversal {
		// Gen2 replies lead with 8 dummy bytes.
		if len(out) < 8 {
			return nil, ErrReadBlocks
		}
		out = out[8:]
	}
	return out, nil
}

// ErrNoSecurity is returned for block reads on Gen0 sensors, which only
// support the standard read-multiple-blocks command.
var ErrNoSecurity = errors.New("libre2: B3 command not supported by this sensor")

// BlockReader returns a reassembly.BlockReader over custom block-read
// commands. Custom reads are not retried.
func (c Commands) BlockReader(tag Tag, r *reassembly.BlockReader) (*reassembly.BlockReader, error) {
	if c.SecurityGeneration < 1 {
		return nil, ErrNoSecurity
	}
	out := *r
	out.Transceiver = tagBlocks{tag: tag, commands: c}
	out.Retries = 0
	return &out, nil
}
