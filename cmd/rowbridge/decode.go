package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/rowbridge/internal/ftms"
	"github.com/chaz8081/rowbridge/internal/metrics"
	"github.com/chaz8081/rowbridge/internal/rower"
)

func newDecodeCmd() *cobra.Command {
	var encoding string

	cmd := &cobra.Command{
		Use:   "decode <hex>",
		Short: "Decode one ergometer frame and show its FTMS encodings",
		Example: "  rowbridge decode f0a5440102201f...\n" +
			"  rowbridge decode \"f0 a5 44 01 ...\"",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := hex.DecodeString(strings.NewReplacer(" ", "", ":", "").Replace(args[0]))
			if err != nil {
				return fmt.Errorf("frame is not hex: %w", err)
			}

			m := rower.Decode(raw, time.Now())
			payload, err := metrics.EncodePayload(m, metrics.Encoding(encoding))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !m.Decoded() {
				fmt.Fprintf(out, "Frame is %d bytes, not %d: raw only.\n", len(raw), rower.FrameSize)
			}
			if metrics.Encoding(encoding) == metrics.EncodingCBOR {
				fmt.Fprintf(out, "payload (cbor): %x\n", payload)
			} else {
				fmt.Fprintf(out, "payload: %s\n", payload)
			}
			fmt.Fprintf(out, "ftms rower data:       %x\n", ftms.EncodeRowerData(m))
			fmt.Fprintf(out, "ftms indoor bike data: %x\n", ftms.EncodeIndoorBikeData(m, ftms.DefaultBikeMapping()))
			return nil
		},
	}
	cmd.Flags().StringVar(&encoding, "encoding", "json", "payload encoding: json or cbor")
	return cmd
}
