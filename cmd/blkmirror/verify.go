package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/castlebay/blkmirror/internal/blockdev"
	"github.com/castlebay/blkmirror/internal/config"
	"github.com/castlebay/blkmirror/internal/mirror"
)

func verifyCmd() *cobra.Command {
	var (
		chunkStr    string
		backingPath string
		quick       bool
	)

	cmd := &cobra.Command{
		Use:   "verify <source> <target>",
		Short: "Compare a source and target chunk by chunk",
		Long: `verify hashes both devices chunk by chunk and reports mismatches.
Run it against a quiesced pair, e.g. after a mirror job completed; a
source still taking writes will show transient differences.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			chunkSize := int64(mirror.DefaultChunkSize)
			if chunkStr != "" {
				var err error
				chunkSize, err = config.ParseSize(chunkStr)
				if err != nil {
					return fmt.Errorf("invalid --chunk-size: %w", err)
				}
			}

			src, err := openVerifySource(args[0], backingPath)
			if err != nil {
				return err
			}
			defer src.Close()

			dst, err := blockdev.Open(args[1], blockdev.OpenOptions{ReadOnly: true})
			if err != nil {
				return err
			}
			defer dst.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result, err := mirror.Verify(ctx, src, dst, chunkSize, quick)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, result.String())
			if !result.Matched() {
				return &exitError{code: 1}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&chunkStr, "chunk-size", "", "comparison granularity (default 1M)")
	cmd.Flags().StringVar(&backingPath, "backing", "", "treat source as an overlay on this backing image")
	cmd.Flags().BoolVar(&quick, "quick", false, "use the faster non-cryptographic hash")

	return cmd
}

func openVerifySource(path, backing string) (blockdev.Device, error) {
	top, err := blockdev.Open(path, blockdev.OpenOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	if backing == "" {
		return top, nil
	}
	base, err := blockdev.Open(backing, blockdev.OpenOptions{ReadOnly: true})
	if err != nil {
		top.Close()
		return nil, err
	}
	overlay, err := blockdev.NewOverlay(top, base)
	if err != nil {
		top.Close()
		base.Close()
		return nil, err
	}
	return &ownedOverlay{Overlay: overlay, base: base}, nil
}
