package fram

import "fmt"

// Failure describes a sensor that stopped in the failure state.
type Failure struct {
	Code byte `json:"code"`
	Age  int  `json:"age"` // minutes after activation, 0 when unknown
}

// Description returns the known meaning of the error code.
func (f Failure) Description() string {
	return DescribeFailure(f.Code)
}

func (f Failure) String() string {
	when := "an unknown time"
	if f.Age != 0 {
		when = fmt.Sprintf("%d minutes", f.Age)
	}
	return fmt.Sprintf("sensor failure error 0x%02x (%s) at %s after activation", f.Code, f.Description(), when)
}

// DescribeFailure maps a failure code to its known meaning.
func DescribeFailure(code byte) string {
	switch code {
	case 0x01:
		return "ADC IRQ overflow"
	case 0x05:
		return "MMI interrupt"
	case 0x09:
		return "error in patch table"
	case 0x0A, 0x0B:
		return "low voltage occurred"
	case 0x0C:
		return "FRAM header section CRC error"
	case 0x0D:
		return "FRAM body section CRC error"
	case 0x0E:
		return "FRAM footer section CRC error"
	case 0x0F:
		return "FRAM code section CRC error"
	case 0x10:
		return "FRAM Lock Table error"
	case 0x13:
		return "brownout"
	case 0x28:
		return "battery low indication"
	case 0x34:
		return "from custom E1 and E2 command"
	}
	return "no specific info"
}
