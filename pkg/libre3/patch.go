package libre3

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glucolink/cgm-engine/pkg/checksum"
	"github.com/glucolink/cgm-engine/pkg/libre2"
	"github.com/glucolink/cgm-engine/pkg/sensor"
)

// PatchState is the Libre 3 specific lifecycle state.
type PatchState byte

const (
	PatchManufacturing PatchState = iota
	PatchStorage
	PatchInsertionDetection
	PatchInsertionFailed
	PatchPaired
	PatchExpired
	PatchTerminated
	PatchError
	PatchErrorTerminated
)

func (s PatchState) String() string {
	switch s {
	case PatchManufacturing:
		return "Manufacturing"
	case PatchStorage:
		return "Not activated"
	case PatchInsertionDetection:
		return "Insertion detection"
	case PatchInsertionFailed:
		return "Insertion failed"
	case PatchPaired:
		return "Paired"
	case PatchExpired:
		return "Expired"
	case PatchTerminated:
		return "Terminated"
	case PatchError:
		return "Error"
	case PatchErrorTerminated:
		return "Terminated (error)"
	}
	return fmt.Sprintf("Unknown (0x%02x)", byte(s))
}

// SensorState maps the patch state onto the shared sensor state.
func (s PatchState) SensorState() sensor.State {
	if s <= PatchInsertionDetection {
		return sensor.StateOf(byte(s))
	}
	return sensor.StateOf(byte(s) - 1)
}

// PatchInfoSize is the length of a Libre 3 patch info.
const PatchInfoSize = 24

// PatchInfo is the decoded 24-byte patch info.
type PatchInfo struct {
	SecurityVersion int           `json:"securityVersion"`
	Localization    int           `json:"localization"`
	Region          sensor.Region `json:"region"`
	Generation      int           `json:"generation"`
	MaxLife         int           `json:"maxLife"`
	Firmware        string        `json:"firmware"`
	ProductType     int           `json:"productType"`
	WarmupMinutes   int           `json:"warmupMinutes"`
	PatchState      PatchState    `json:"patchState"`
	State           sensor.State  `json:"state"`
	Serial          string        `json:"serial"`
}

// ErrPatchInfoSize is returned for a patch info shorter than 24 bytes.
var ErrPatchInfoSize = errors.New("libre3: patch info too short")

// ParsePatchInfo decodes a 24-byte patch info.
func ParsePatchInfo(info []byte) (PatchInfo, error) {
	if len(info) < PatchInfoSize {
		return PatchInfo{}, fmt.Errorf("%w: %d bytes", ErrPatchInfoSize, len(info))
	}
	le := binary.LittleEndian
	localization := int(le.Uint16(info[2:4]))
	state := PatchState(info[14])
	return PatchInfo{
		SecurityVersion: int(le.Uint16(info[0:2])),
		Localization:    localization,
		Region:          sensor.RegionOf(localization),
		Generation:      int(le.Uint16(info[4:6])),
		MaxLife:         int(le.Uint16(info[6:8])),
		Firmware:        fmt.Sprintf("%d.%d.%d.%d", info[11], info[10], info[9], info[8]),
		ProductType:     int(info[12]),
		WarmupMinutes:   int(info[13]) * 5,
		PatchState:      state,
		State:           state.SensorState(),
		Serial:          strings.TrimRight(string(info[15:24]), "\x00"),
	}, nil
}

// TrimNFCPatchInfo extracts the 24-byte patch info from a raw A1 reply
// that leads with A5 dummy bytes and ends in a CRC. Other replies are
// returned unchanged.
func TrimNFCPatchInfo(raw []byte) []byte {
	if len(raw) < 28 || raw[0] != 0xA5 {
		return raw
	}
	info := raw[len(raw)-26 : len(raw)-2]
	if checksum.Stored(raw, len(raw)-2) != checksum.CRC16(info) {
		return raw
	}
	return append([]byte(nil), info...)
}

// ReceiverID hashes a LibreView account id into the 32-bit receiver id.
func ReceiverID(accountID string) uint32 {
	var h uint64
	for i := 0; i < len(accountID); i++ {
		h = (h*0x811C9DC5)&0xFFFFFFFF ^ uint64(accountID[i])
	}
	return uint32(h)
}

// Activation NFC command codes.
const (
	CodeActivate       = 0xA8
	CodeActivationInfo = 0xA0
)

// ActivationCommand builds the NFC activation command. A sensor still in
// storage is activated with A8; an active one answers A0 with its current
// PIN. A zero activationTime means now.
func ActivationCommand(patchInfo []byte, activationTime, receiverID uint32, now time.Time) libre2.Command {
	if activationTime == 0 {
		activationTime = uint32(now.Unix())
	}
	params := make([]byte, 10)
	binary.LittleEndian.PutUint32(params[0:4], activationTime-1)
	binary.LittleEndian.PutUint32(params[4:8], receiverID)
	checksum.Put(params, 8, checksum.CRC16(params[:8]))

	code := byte(CodeActivationInfo)
	if len(patchInfo) > 14 && PatchState(patchInfo[14]) == PatchStorage {
		code = CodeActivate
	}
	return libre2.Command{Code: code, Parameters: params, Description: "activate"}
}

// Activation is a successful activation reply.
type Activation struct {
	BDAddress      []byte    `json:"bdAddress"`
	PIN            []byte    `json:"pin"`
	ActivationTime time.Time `json:"activationTime"`
	CRC            uint16    `json:"crc"`
	ComputedCRC    uint16    `json:"computedCrc"`
}

// Address formats BDAddress as a colon separated MAC.
func (a Activation) Address() string {
	parts := make([]string, len(a.BDAddress))
	for i, b := range a.BDAddress {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// Valid reports whether the reply CRC matched.
func (a Activation) Valid() bool { return a.CRC == a.ComputedCRC }

// ActivationError is a two-byte error reply, e.g. 0x01B0 for an expired
// sensor or 0x01B1 for one activated by a reader.
type ActivationError struct {
	Code uint16
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("libre3: activation error 0x%04x", e.Code)
}

// ParseActivation decodes an activation reply after dropping leading A5
// bytes.
func ParseActivation(output []byte) (Activation, error) {
	i := 0
	for i < len(output) && output[i] == 0xA5 {
		i++
	}
	out := output[i:]

	switch {
	case len(out) == 2 && out[0] == 0x01:
		return Activation{}, &ActivationError{Code: binary.BigEndian.Uint16(out)}
	case len(out) == 17 && out[0] == 0x00:
		addr := make([]byte, 6)
		for j := 0; j < 6; j++ {
			addr[j] = out[6-j]
		}
		return Activation{
			BDAddress:      addr,
			PIN:            append([]byte(nil), out[7:11]...),
			ActivationTime: time.Unix(int64(binary.LittleEndian.Uint32(out[11:15])), 0).UTC(),
			CRC:            checksum.Stored(out, 15),
			ComputedCRC:    checksum.CRC16(out[1:15]),
		}, nil
	}
	return Activation{}, fmt.Errorf("libre3: unexpected activation reply of %d bytes", len(out))
}
