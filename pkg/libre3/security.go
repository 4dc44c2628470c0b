package libre3

import (
	"encoding/hex"
	"fmt"
)

// SecurityCommand is written to the security commands characteristic.
type SecurityCommand byte

const (
	CmdECDHStart           SecurityCommand = 0x01
	CmdLoadCertData        SecurityCommand = 0x02
	CmdLoadCertDone        SecurityCommand = 0x03
	CmdChallengeLoadDone   SecurityCommand = 0x08
	CmdSendCert            SecurityCommand = 0x09
	CmdKeyAgreement        SecurityCommand = 0x0D
	CmdEphemeralLoadDone   SecurityCommand = 0x0E
	CmdAuthorizeSymmetric  SecurityCommand = 0x11
	CmdModeSwitch          SecurityCommand = 0x12
	CmdVerificationFailure SecurityCommand = 0x13
)

func (c SecurityCommand) String() string {
	switch c {
	case CmdECDHStart:
		return "security 0x01 command"
	case CmdLoadCertData:
		return "security 0x02 command"
	case CmdLoadCertDone:
		return "certificate load done"
	case CmdChallengeLoadDone:
		return "challenge load done"
	case CmdSendCert:
		return "security 0x09 command"
	case CmdKeyAgreement:
		return "security 0x0D command"
	case CmdEphemeralLoadDone:
		return "ephemeral load done"
	case CmdAuthorizeSymmetric:
		return "read security challenge"
	}
	return fmt.Sprintf("security 0x%02X command", byte(c))
}

// SecurityEvent is notified on the security commands characteristic.
type SecurityEvent byte

const (
	EventUnknown             SecurityEvent = 0x00
	EventCertificateAccepted SecurityEvent = 0x04
	EventChallengeLoadDone   SecurityEvent = 0x08
	EventCertificateReady    SecurityEvent = 0x0A
	EventEphemeralReady      SecurityEvent = 0x0F
)

func (e SecurityEvent) String() string {
	switch e {
	case EventCertificateAccepted:
		return "certificate accepted"
	case EventChallengeLoadDone:
		return "challenge load done"
	case EventCertificateReady:
		return "certificate ready"
	case EventEphemeralReady:
		return "ephemeral ready"
	}
	return fmt.Sprintf("unknown (0x%02x)", byte(e))
}

// Payload sizes announced by security events.
const (
	PatchCertificateSize = 140
	EphemeralSize        = 65
	ChallengeSize        = 23
	ChallengeReplySize   = 40
	SessionInfoSize      = 67
	PINSize              = 4
	KeySize              = 16
	MACSize              = 4
)

// Security library status codes.
const (
	ErrCodeInvalidCertificate   = 901
	ErrCodeAuthenticationFailed = 902
	ErrCodeAuthorizationFailed  = 903
	ErrCodeDecryptionFailed     = 904
	ErrCodeEncryptionFailed     = 905
	ErrCodeLibError             = 906
)

// AppCertificate returns the 162-byte app certificate of a security
// version, or nil when none is known.
func AppCertificate(securityVersion int) []byte {
	if securityVersion < 0 || securityVersion >= len(appCertificates) {
		return nil
	}
	return mustHex(appCertificates[securityVersion])
}

// PatchSigningKey returns the X9.63 key that signs patch certificates of
// a security version.
func PatchSigningKey(securityVersion int) []byte {
	if securityVersion < 0 || securityVersion >= len(patchSigningKeys) {
		return nil
	}
	return mustHex(patchSigningKeys[securityVersion])
}

var appCertificates = []string{
	"03000102030405060708090a0b0c0d0e0f1000015f149fe10100000000000000" +
		"00042751fd1ef42b145a52c593ae6b5a75588a9f7eaf1c0f9985f993d58f147b" +
		"b84168422449963792dc43f38447efebbbeb4a53b3255c0be0fe1f235844a3d3" +
		"299eba97b8e6c3170939f2778f64866f066deb915dd6629eee4730a1e14cab75" +
		"c18c4fec53f8854c87643a764f4087aec0394c210c18865a8ff45adc3727f48b" +
		"53a7",
	"03030102030405060708090a0b0c0d0e0f100001618976550100000000000000" +
		"00048242be33f1a330880112fa62cc4842a43d1204922ad201d8775bb226f611" +
		"f75b0ef3d5bc6cc4317caa457584ab003f1712336089d3a4f29838ed0dc666de" +
		"aea2d65a00dfff5d7bcae21655e302e3458e774daaaaca87af75f1b87884b18d" +
		"4ce875d0d108c903a834471a4ff674b2d30bcba062373014b7786e4437b177ae" +
		"c3c8",
}

var patchSigningKeys = []string{
	"04b69d1734f5e425bcc0576ad1f727c1311c90b6ea986f006e7e9f9096f6a828" +
		"4f12bf7ddfe154a3f1d45a0f2734ecabca6b9eb56ee4ecca87853ad853b6a641" +
		"80",
	"04a2d8478990945f70a9570ade07b155bc904d2d380647587b12391701309bd1" +
		"0b5990c4c47c47f1f08046cb6f2de0748d1fa7f73790ec9d8dd6372127785288" +
		"38",
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
