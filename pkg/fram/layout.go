// Package fram decodes the memory image read from Libre 1/2 sensors over
// NFC.
package fram

import "github.com/glucolink/cgm-engine/pkg/checksum"

// Image sizes. MinSize covers header, body and footer; FullSize adds the
// command log.
const (
	MinSize          = 344
	CommandsSize     = 195 * 8
	FullSize         = MinSize + CommandsSize
	bodyEnd          = 320
	trendOffset      = 28
	historyOffset    = 124
	recordSize       = 6
	TrendCount       = 16
	HistoryCount     = 32
	calibrationBlock = 0x150
)

// commandsSection is reported but does not gate Trusted.
const commandsSection = "commands"

// Section is one CRC-protected region of the image.
type Section struct {
	Name   string
	CRCAt  int
	From   int
	To     int // exclusive
	MinLen int
}

// Sections lists the protected regions in report order.
var Sections = []Section{
	{Name: "header", CRCAt: 0, From: 2, To: 24, MinLen: MinSize},
	{Name: "body", CRCAt: 24, From: 26, To: bodyEnd, MinLen: MinSize},
	{Name: "footer", CRCAt: bodyEnd, From: bodyEnd + 2, To: MinSize, MinLen: MinSize},
	{Name: commandsSection, CRCAt: MinSize, From: MinSize + 2, To: FullSize, MinLen: FullSize},
}

// Check is the outcome of one section comparison.
type Check struct {
	Section  string `json:"section"`
	Stored   uint16 `json:"stored"`
	Computed uint16 `json:"computed"`
}

// OK reports whether the stored CRC matches.
func (c Check) OK() bool { return c.Stored == c.Computed }

// Verify computes every section CRC present in image.
func Verify(image []byte) []Check {
	var checks []Check
	for _, s := range Sections {
		if len(image) < s.MinLen {
			continue
		}
		checks = append(checks, Check{
			Section:  s.Name,
			Stored:   checksum.Stored(image, s.CRCAt),
			Computed: checksum.CRC16(image[s.From:s.To]),
		})
	}
	return checks
}

// Checksummed returns a copy of image with every section CRC rewritten.
func Checksummed(image []byte) []byte {
	out := append([]byte(nil), image...)
	for _, s := range Sections {
		if s.Name == "commands" {
			if len(out) <= MinSize || len(out) < s.To {
				continue
			}
		} else if len(out) < s.MinLen {
			continue
		}
		checksum.Put(out, s.CRCAt, checksum.CRC16(out[s.From:s.To]))
	}
	return out
}
