package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/glucolink/cgm-engine/internal/server"
)

func newSubmitCmd() *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <device> <event> [json]",
		Short: "Publish a device event to the engine",
		Example: `  cgmctl submit phone-1 connect '{"type":"Dexcom G6","serial":"8G1234"}'
  cgmctl submit phone-1 patchinfo '{"uid":"9c8a5c0000a407e0","patchInfo":"nQgwAXYl"}' --wait`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, event := args[0], args[1]
			if !server.ValidDevice(device) {
				return fmt.Errorf("invalid device id %q", device)
			}
			body := []byte("{}")
			if len(args) == 3 {
				body = []byte(args[2])
			}
			if !json.Valid(body) {
				return fmt.Errorf("event body must be JSON")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			nc, err := server.Connect(cfg.NATS, "cgmctl")
			if err != nil {
				return err
			}
			defer nc.Close()

			subject := server.Subjects{Prefix: cfg.Engine.SubjectPrefix}.Device(device, event)
			if !wait {
				if err := nc.Publish(subject, body); err != nil {
					return err
				}
				return nc.Flush()
			}

			msg, err := nc.Request(subject, body, timeout)
			if err != nil {
				return fmt.Errorf("request %s: %w", subject, err)
			}
			var reply server.Reply
			if err := json.Unmarshal(msg.Data, &reply); err != nil {
				return fmt.Errorf("decode reply: %w", err)
			}
			if err := printJSON(cmd.OutOrStdout(), reply); err != nil {
				return err
			}
			if reply.Error != "" {
				return fmt.Errorf("engine: %s", reply.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the engine reply")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Reply timeout")
	return cmd
}
