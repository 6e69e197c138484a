// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/stagekit/webui-installer/pkg/installer"
)

var (
	infoColor    = color.New(color.FgGreen).SprintFunc()
	warningColor = color.New(color.FgYellow).SprintFunc()
	errorColor   = color.New(color.FgRed).SprintFunc()
	dimColor     = color.New(color.Faint).SprintFunc()
)

// cliProgress returns a line-oriented progress handler.
func cliProgress(w io.Writer) installer.ProgressFunc {
	var mu sync.Mutex
	return func(ev installer.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Event {
		case "run_start":
			fmt.Fprintf(w, "Installing (%s) ...\n", ev.Message)
		case "stage_start":
			fmt.Fprintf(w, "%s %s\n", dimColor("→"), ev.Message)
		case "stage_done":
			fmt.Fprintf(w, "%s %s\n", infoColor("✓"), ev.Stage)
		case "stage_skip":
			fmt.Fprintf(w, "%s %s %s\n", dimColor("•"), ev.Stage, dimColor("("+ev.Message+")"))
		case "stage_error":
			if ev.Level == "warn" {
				fmt.Fprintf(w, "%s %s (optional): %s\n", warningColor("!"), ev.Stage, ev.Message)
			} else {
				fmt.Fprintf(w, "%s %s: %s\n", errorColor("×"), ev.Stage, ev.Message)
			}
		case "retry":
			fmt.Fprintf(w, "  %s %s (attempt %d): %s\n", warningColor("retry"), ev.Stage, ev.Attempt, ev.Message)
		case "recovery":
			fmt.Fprintf(w, "  %s %s\n", warningColor("recovery"), ev.Message)
		case "warn":
			fmt.Fprintf(w, "  %s %s\n", warningColor("warning"), ev.Message)
		case "file_start":
			if ev.Downloaded > 0 {
				fmt.Fprintf(w, "  downloading %s (resuming at %s)\n", ev.Path, humanize.IBytes(uint64(ev.Downloaded)))
			} else {
				fmt.Fprintf(w, "  downloading %s\n", ev.Path)
			}
		case "file_done":
			fmt.Fprintf(w, "  %s %s (%s)\n", infoColor("done"), ev.Path, humanize.IBytes(uint64(ev.Downloaded)))
		case "done":
			state := infoColor(ev.Message)
			if ev.Level == "error" {
				state = errorColor(ev.Message)
			}
			fmt.Fprintf(w, "Final state: %s\n", state)
		}
	}
}

// jsonProgress returns a JSON-lines progress handler.
func jsonProgress(w io.Writer) installer.ProgressFunc {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	var mu sync.Mutex
	return func(ev installer.ProgressEvent) {
		mu.Lock()
		_ = enc.Encode(ev)
		mu.Unlock()
	}
}

func printPlan(w io.Writer, plan []installer.PlanEntry) {
	fmt.Fprintf(w, "Plan (%d stages):\n", len(plan))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range plan {
		state := "todo"
		if e.Recorded {
			state = "recorded"
		}
		opt := ""
		if e.Optional {
			opt = "optional"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", e.Phase, e.Key, state, opt)
	}
	tw.Flush()
}

func printStatus(w io.Writer, status []installer.StatusEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tRECORDED\tPRESENT\tDETAIL")
	for _, e := range status {
		present := infoColor("yes")
		if !e.Present {
			present = errorColor("no")
			if e.Optional {
				present = warningColor("no")
			}
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", e.Key, e.Recorded, present, e.Detail)
	}
	tw.Flush()
}

func printSummary(w io.Writer, sum installer.Summary) {
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range sum.Stages {
		status := string(r.Status)
		switch r.Status {
		case installer.StatusCompleted:
			status = infoColor(status)
		case installer.StatusFailedRequired:
			status = errorColor(status)
		case installer.StatusFailedOptional:
			status = warningColor(status)
		case installer.StatusSkipped, installer.StatusPending:
			status = dimColor(status)
		}
		retries := ""
		if r.Retries > 0 {
			retries = fmt.Sprintf("%d retries", r.Retries)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", r.Key, status, retries, fmtElapsed(r.Duration))
	}
	tw.Flush()

	fmt.Fprintln(w)
	if sum.Ready {
		fmt.Fprintf(w, "%s installation verified\n", infoColor("✓"))
	} else {
		fmt.Fprintf(w, "%s state %s", errorColor("×"), sum.State)
		if sum.HaltedAt != "" {
			fmt.Fprintf(w, ", halted at %s", sum.HaltedAt)
		}
		fmt.Fprintln(w)
		if r, ok := sum.Result(sum.HaltedAt); ok && r.Output != "" {
			fmt.Fprintln(w, dimColor(r.Output))
		}
		if done := sum.Done(); len(done) > 0 {
			fmt.Fprintf(w, "kept %d completed stages; the next run resumes from %s\n", len(done), sum.HaltedAt)
		}
	}
	for _, d := range sum.Defects {
		fmt.Fprintf(w, "%s optional stage %s failed: %s\n", warningColor("!"), d.Key, d.Error)
	}
}

func fmtElapsed(d time.Duration) string {
	if d < time.Second {
		return ""
	}
	return d.Round(time.Second).String()
}
