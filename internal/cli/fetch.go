// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/stagekit/webui-installer/pkg/installer"
)

func newFetchCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	var size string

	cmd := &cobra.Command{
		Use:   "fetch URL [DEST]",
		Short: "Download a single file with resume and retry",
		Long: `Download one file the way artifacts are fetched during install.

Interrupted downloads continue from "<DEST>.tmp" on the next call.
URL may be http(s):// or an object store URL (s3://, gs://).

Example:
  webui-installer fetch https://huggingface.co/.../v1-5-pruned-emaonly.safetensors models/Stable-diffusion/
  webui-installer fetch s3://weights/vae.safetensors?region=us-east-1 models/VAE/vae.safetensors --size 335MB`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := prepare(cmd, ro)
			if err != nil {
				return err
			}
			expected, err := installer.ParseByteSize(size)
			if err != nil {
				return fmt.Errorf("--size: %w", err)
			}
			a := installer.Artifact{Name: "fetch", URL: args[0], ExpectedSize: expected}
			a.Dest = destFor(args)

			var progress installer.ProgressFunc
			var bar *barProgress
			switch {
			case ro.JSONOut:
				progress = jsonProgress(os.Stdout)
			case ro.Quiet:
				progress = cliProgress(os.Stdout)
			default:
				bar = &barProgress{}
				progress = bar.handle
			}

			in, err := installer.New(installer.Manifest{}, cfg, progress)
			if err != nil {
				return err
			}
			defer in.Close()

			res, err := in.Fetch(ctx, a)
			if bar != nil {
				bar.finish()
			}
			if err != nil {
				return err
			}
			if ro.JSONOut {
				return writeJSON(os.Stdout, res)
			}
			if !ro.Quiet {
				msg := fmt.Sprintf("✓ %s (%s", res.Path, humanize.IBytes(uint64(res.Size)))
				if res.Resumed > 0 {
					msg += ", resumed at " + humanize.IBytes(uint64(res.Resumed))
				}
				if res.Skipped {
					msg += ", already present"
				}
				fmt.Println(msg + ")")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&size, "size", "", "Expected size (e.g. 3.97GB); checked with --verify size")
	return cmd
}

// destFor picks the destination: DEST, DEST/<file> when DEST ends in a
// slash, or the URL's file name.
func destFor(args []string) string {
	base := path.Base(strings.SplitN(args[0], "?", 2)[0])
	if len(args) < 2 {
		return base
	}
	dest := args[1]
	if strings.HasSuffix(dest, "/") || strings.HasSuffix(dest, string(os.PathSeparator)) {
		return dest + base
	}
	return dest
}

// barProgress drives a pb progress bar from transfer events.
type barProgress struct {
	mu  sync.Mutex
	bar *pb.ProgressBar
}

func (b *barProgress) handle(ev installer.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch ev.Event {
	case "file_start":
		b.bar = pb.Full.Start64(ev.Total)
		b.bar.Set(pb.Bytes, true)
		b.bar.SetCurrent(ev.Downloaded)
	case "file_progress":
		if b.bar == nil {
			return
		}
		if ev.Total > 0 && ev.Total != b.bar.Total() {
			b.bar.SetTotal(ev.Total)
		}
		b.bar.SetCurrent(ev.Downloaded)
	case "file_done":
		if b.bar != nil {
			b.bar.SetCurrent(ev.Downloaded)
		}
	case "retry":
		fmt.Fprintf(os.Stderr, "\nretry (attempt %d): %s\n", ev.Attempt, ev.Message)
	case "warn":
		fmt.Fprintf(os.Stderr, "\nwarning: %s\n", ev.Message)
	}
}

func (b *barProgress) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bar != nil {
		b.bar.Finish()
		b.bar = nil
	}
}
