package main

import (
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/rlog-relay/internal/observer"
	"github.com/dgnsrekt/rlog-relay/internal/rlog"
)

type tailLine struct {
	Kind        rlog.Kind      `json:"kind"`
	TimestampUS int64          `json:"timestamp_us"`
	Values      map[string]any `json:"values"`
	Removed     []string       `json:"removed,omitempty"`
}

func tailCmd() *cobra.Command {
	var (
		addr      string
		heartbeat time.Duration
		diffsOnly bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Connect to a relay and print the mirrored table as JSON lines",
		Long: `Connect to a relay as an observer and print one JSON line per payload.

By default each line carries the full mirrored state after the payload was
applied. With --diffs only the changed and removed keys are printed.

Examples:
  rlogd tail --addr robot.local:5800
  rlogd tail --diffs | jq .values`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ocfg := observer.DefaultConfig()
			ocfg.Addr = addr
			if heartbeat > 0 {
				ocfg.HeartbeatInterval = heartbeat
			}

			client, err := observer.New(ocfg, logger)
			if err != nil {
				return err
			}

			err = client.Run(cmd.Context(), printPayloads(cmd.OutOrStdout(), diffsOnly))
			st := client.Stats()
			logger.Info("observer finished",
				zap.Uint64("payloads", st.Payloads),
				zap.Uint64("heartbeats", st.Heartbeats),
				zap.Uint64("bytes", st.Bytes),
			)
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:5800", "relay address")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 0, "keepalive interval (default from observer config)")
	cmd.Flags().BoolVar(&diffsOnly, "diffs", false, "print payload changes instead of the mirrored state")

	return cmd
}

func printPayloads(w io.Writer, diffsOnly bool) observer.Handler {
	enc := json.NewEncoder(w)
	return func(p *rlog.Payload, state *rlog.State) error {
		line := tailLine{
			Kind:        p.Kind,
			TimestampUS: p.Timestamp.Microseconds(),
			Values:      state.Values,
		}
		if diffsOnly {
			line.Values = p.Values
			line.Removed = p.Removed
		}
		return enc.Encode(line)
	}
}
