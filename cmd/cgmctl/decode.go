package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/glucolink/cgm-engine/pkg/checksum"
	"github.com/glucolink/cgm-engine/pkg/fram"
	"github.com/glucolink/cgm-engine/pkg/libre2"
	"github.com/glucolink/cgm-engine/pkg/libre3"
	"github.com/glucolink/cgm-engine/pkg/sensor"
)

func newDecodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode sensor data offline",
	}
	cmd.AddCommand(newPatchInfoCmd(), newFramCmd(), newCRCCmd())
	return cmd
}

func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "\n", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}

func resolve(info, uid string) (sensor.Identity, error) {
	raw, err := parseHex(info)
	if err != nil {
		return sensor.Identity{}, err
	}
	id := sensor.Resolve(libre3.TrimNFCPatchInfo(raw))
	if uid != "" {
		if id.UID, err = sensor.ParseUID(uid); err != nil {
			return id, err
		}
	}
	return id, nil
}

func newPatchInfoCmd() *cobra.Command {
	var uid string
	cmd := &cobra.Command{
		Use:   "patchinfo <hex>",
		Short: "Identify a sensor from its patch info",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolve(args[0], uid)
			if err != nil {
				return err
			}
			out := map[string]interface{}{
				"type":     id.Type.String(),
				"family":   id.Family.String(),
				"region":   id.Region.String(),
				"protocol": id.Protocol().String(),
				"identity": id,
			}
			if !id.UID.IsZero() || id.Type == sensor.TypeLibre3 || id.Type == sensor.TypeLingo {
				out["serial"] = id.Serial()
			}
			if id.Type == sensor.TypeLibre3 || id.Type == sensor.TypeLingo {
				if p, err := libre3.ParsePatchInfo(id.PatchInfo); err == nil {
					out["libre3"] = p
				}
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "", "Tag UID (16 hex digits)")
	return cmd
}

func newFramCmd() *cobra.Command {
	var (
		patchInfo string
		uid       string
		date      string
		summary   bool
	)
	cmd := &cobra.Command{
		Use:   "fram <file|hex>",
		Short: "Decode a FRAM image read over NFC",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := readImage(args[0])
			if err != nil {
				return err
			}

			var id sensor.Identity
			if patchInfo != "" {
				if id, err = resolve(patchInfo, uid); err != nil {
					return err
				}
			}
			at := time.Now()
			if date != "" {
				if at, err = time.Parse(time.RFC3339, date); err != nil {
					return fmt.Errorf("invalid --date: %w", err)
				}
			}

			d := fram.Decoder{Identity: id, Decrypter: libre2.Unavailable{}}
			res, err := d.Decode(image, at)
			if summary {
				fmt.Fprintln(cmd.OutOrStdout(), res.Summary())
			} else if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&patchInfo, "patch-info", "", "Patch info hex, required for encrypted images")
	cmd.Flags().StringVar(&uid, "uid", "", "Tag UID (16 hex digits)")
	cmd.Flags().StringVar(&date, "date", "", "Read time in RFC 3339, defaults to now")
	cmd.Flags().BoolVar(&summary, "summary", false, "Print the one-line summary only")
	return cmd
}

// readImage takes a path to a binary dump or a hex string.
func readImage(arg string) ([]byte, error) {
	if data, err := os.ReadFile(arg); err == nil {
		return data, nil
	}
	return parseHex(arg)
}

func newCRCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crc <hex>",
		Short: "Compute the sensor CRC16 and the XModem CRC",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseHex(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"crc16":         fmt.Sprintf("%04x", checksum.CRC16(data)),
				"xmodem":        fmt.Sprintf("%04x", checksum.XModem(data)),
				"trailer_valid": checksum.VerifyTrailer(data),
				"xmodem_valid":  checksum.VerifyXModemTrailer(data),
			})
		},
	}
}
