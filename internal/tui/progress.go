// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package tui renders live installer progress in a terminal.
package tui

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/stagekit/webui-installer/pkg/installer"
)

// Header is the static information shown above the stage table.
type Header struct {
	WorkDir string
	Scratch string
	Retries int
	Verify  string
}

// LiveRenderer renders a cross-platform, adaptive, colorful stage table.
// - Uses ANSI when available; plain text fallback otherwise.
// - Adapts to terminal width/height.
// - Shows header + overall stage bar + stage rows + the active transfer.
type LiveRenderer struct {
	header Header
	out    io.Writer

	mu       sync.Mutex
	start    time.Time
	events   chan installer.ProgressEvent
	done     chan struct{}
	finished chan struct{}
	stopped  bool
	hideCur  bool
	supports bool // ANSI + interactive
	noColor  bool

	order  []string
	stages map[string]*stageState
	phase  installer.Phase
	notice string // last warning

	transfer *transferState
}

type stageState struct {
	key      string
	name     string
	optional bool
	status   string // "pending","running","done","skip","failed","defect"
	retries  int
	started  time.Time
	elapsed  time.Duration
	err      string
}

type transferState struct {
	path  string
	total int64
	bytes int64

	// rolling speed (EMA smoothed)
	lastBytes     int64
	lastTime      time.Time
	smoothedSpeed float64
}

// EMA smoothing factor (0.1 = very smooth, 0.5 = responsive)
const speedSmoothingFactor = 0.3

func smoothSpeed(current, previous float64) float64 {
	if previous == 0 {
		return current
	}
	// Exponential moving average
	return speedSmoothingFactor*current + (1-speedSmoothingFactor)*previous
}

// Interactive reports whether stdout is a terminal that can take the live
// table.
func Interactive() bool {
	return isInteractive() && ansiOkay()
}

// NewLiveRenderer creates a new live TUI renderer for the given plan.
func NewLiveRenderer(plan []installer.PlanEntry, h Header) *LiveRenderer {
	lr := newRenderer(plan, h, os.Stdout, Interactive())
	if lr.supports && !lr.noColor {
		// Hide cursor
		fmt.Fprint(lr.out, "\x1b[?25l")
		lr.hideCur = true
	}
	go lr.loop()
	return lr
}

func newRenderer(plan []installer.PlanEntry, h Header, out io.Writer, supports bool) *LiveRenderer {
	lr := &LiveRenderer{
		header:   h,
		out:      out,
		start:    time.Now(),
		events:   make(chan installer.ProgressEvent, 2048),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		supports: supports,
		noColor:  os.Getenv("NO_COLOR") != "",
		stages:   map[string]*stageState{},
	}
	for _, p := range plan {
		st := &stageState{key: p.Key, name: p.Name, optional: p.Optional, status: "pending"}
		lr.order = append(lr.order, p.Key)
		lr.stages[p.Key] = st
	}
	return lr
}

// Close stops the renderer and restores the terminal.
func (lr *LiveRenderer) Close() {
	lr.mu.Lock()
	if lr.stopped {
		lr.mu.Unlock()
		return
	}
	lr.stopped = true
	close(lr.done)
	lr.mu.Unlock()

	<-lr.finished
	if lr.hideCur {
		fmt.Fprint(lr.out, "\x1b[?25h") // show cursor
	}
	// Final newline to separate from prompt
	fmt.Fprintln(lr.out)
}

// Handler returns a ProgressFunc that feeds events to the renderer.
// Byte-level progress is dropped when the UI is congested; stage events
// never are.
func (lr *LiveRenderer) Handler() installer.ProgressFunc {
	return func(ev installer.ProgressEvent) {
		if ev.Event == "file_progress" {
			select {
			case lr.events <- ev:
			default:
			}
			return
		}
		select {
		case lr.events <- ev:
		case <-lr.done:
		}
	}
}

func (lr *LiveRenderer) loop() {
	defer close(lr.finished)
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-lr.done:
			// Drain what was queued before Close.
			for drained := false; !drained; {
				select {
				case ev := <-lr.events:
					lr.apply(ev)
				default:
					drained = true
				}
			}
			lr.render(true)
			return
		case ev := <-lr.events:
			lr.apply(ev)
		case <-ticker.C:
			lr.render(false)
		}
	}
}

func (lr *LiveRenderer) apply(ev installer.ProgressEvent) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	switch ev.Event {
	case "stage_start":
		st := lr.ensure(ev.Stage, ev.Message)
		st.status = "running"
		st.started = time.Now()
		lr.phase = ev.Phase
	case "stage_done":
		st := lr.ensure(ev.Stage, ev.Message)
		st.status = "done"
		st.finish()
		lr.transfer = nil
	case "stage_skip":
		lr.ensure(ev.Stage, "").status = "skip"
	case "stage_error":
		st := lr.ensure(ev.Stage, "")
		st.status = "failed"
		if ev.Level == "warn" {
			st.status = "defect"
		}
		st.err = ev.Message
		st.finish()
		lr.transfer = nil
	case "retry":
		if ev.Stage != "" {
			lr.ensure(ev.Stage, "").retries++
		}
	case "recovery", "warn":
		lr.notice = ev.Message
	case "file_start":
		lr.transfer = &transferState{path: ev.Path, total: ev.Total, bytes: ev.Downloaded}
	case "file_progress":
		if lr.transfer == nil || lr.transfer.path != ev.Path {
			lr.transfer = &transferState{path: ev.Path}
		}
		if ev.Total > 0 {
			lr.transfer.total = ev.Total
		}
		lr.transfer.bytes = ev.Downloaded
	case "file_done":
		lr.transfer = nil
	case "done":
		lr.phase = ev.Phase
	}
}

func (st *stageState) finish() {
	if !st.started.IsZero() {
		st.elapsed = time.Since(st.started)
	}
}

// ensure returns the stage row for key, adding rows for stages the plan
// did not list.
func (lr *LiveRenderer) ensure(key, name string) *stageState {
	if st, ok := lr.stages[key]; ok {
		return st
	}
	if name == "" {
		name = key
	}
	st := &stageState{key: key, name: name, status: "pending"}
	lr.stages[key] = st
	lr.order = append(lr.order, key)
	return st
}

func (lr *LiveRenderer) render(final bool) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	w, h := termSize()
	if !lr.supports {
		w, h = 100, 40
	}
	minW := 70
	if w < minW {
		w = minW
	}
	if h < 12 {
		h = 12
	}

	var doneCnt, skipCnt, failCnt, defectCnt, retries int
	running := -1
	for i, key := range lr.order {
		st := lr.stages[key]
		switch st.status {
		case "done":
			doneCnt++
		case "skip":
			skipCnt++
		case "failed":
			failCnt++
		case "defect":
			defectCnt++
		case "running":
			running = i
		}
		retries += st.retries
	}
	total := len(lr.order)
	finishedCnt := doneCnt + skipCnt + failCnt + defectCnt

	if lr.supports {
		// Clear screen and go home
		fmt.Fprint(lr.out, "\x1b[H\x1b[2J")
	}

	// Header
	phase := string(lr.phase)
	if phase == "" {
		phase = string(installer.PhaseStart)
	}
	fmt.Fprintln(lr.out, lr.colorize(lr.bold(fmt.Sprintf("Install: %s   State: %s", lr.header.WorkDir, phase)), "fg=cyan"))
	scratch := lr.header.Scratch
	if scratch == "" {
		scratch = "(system temp)"
	}
	fmt.Fprintln(lr.out, lr.dim(fmt.Sprintf("Scratch: %s   Retries: %d   Verify: %s   Elapsed: %s",
		scratch, lr.header.Retries, lr.header.Verify, fmtDuration(time.Since(lr.start)))))

	// Totals line with bar
	prog := float64(0)
	if total > 0 {
		prog = float64(finishedCnt) / float64(total)
	}
	bar := renderBar(int(float64(w)*0.4), prog) // 40% of width
	fmt.Fprintf(lr.out, "%s  %s  %d/%d stages  %d skipped  %d retries\n",
		lr.colorize(bar, "fg=green"), percent(prog), finishedCnt, total, skipCnt, retries)
	if failCnt+defectCnt > 0 {
		fmt.Fprintln(lr.out, lr.colorize(fmt.Sprintf("%d failed, %d defects", failCnt, defectCnt), "fg=red"))
	}

	// Table header
	fmt.Fprintln(lr.out)
	fmt.Fprintln(lr.out, lr.headerRow([]string{"Status", "Stage", "Retries", "Time"}, w))

	// Show a window of rows around the running stage.
	maxRows := h - 10
	if maxRows < 3 {
		maxRows = 3
	}
	first := 0
	if final {
		maxRows = total
	} else if running >= 0 && running >= maxRows-1 {
		first = running - maxRows + 2
	} else if running < 0 && finishedCnt > maxRows {
		first = finishedCnt - maxRows
	}
	if first < 0 {
		first = 0
	}
	for i := first; i < total && i < first+maxRows; i++ {
		fmt.Fprintln(lr.out, lr.renderStageRow(lr.stages[lr.order[i]], w))
	}

	// Active transfer
	if lr.transfer != nil {
		fmt.Fprintln(lr.out)
		fmt.Fprintln(lr.out, lr.renderTransferRow(lr.transfer, w))
	}
	if lr.notice != "" {
		fmt.Fprintln(lr.out, lr.colorize(ellipsizeMiddle("! "+lr.notice, w), "fg=yellow"))
	}

	// Footer hint
	if lr.supports && !final {
		fmt.Fprintln(lr.out, lr.dim(fmt.Sprintf("Press Ctrl+C to stop; the next run resumes here • %s %s",
			runtime.GOOS, runtime.GOARCH)))
	}
}

func (lr *LiveRenderer) renderStageRow(st *stageState, w int) string {
	statusW := 10
	retryW := 7
	timeW := 8
	nameW := w - (statusW + retryW + timeW + 6)
	if nameW < 20 {
		nameW = 20
	}

	var sym, col string
	switch st.status {
	case "running":
		sym, col = "▶", "fg=yellow"
	case "done":
		sym, col = "✓", "fg=green"
	case "skip":
		sym, col = "•", "fg=blue"
	case "failed":
		sym, col = "×", "fg=red"
	case "defect":
		sym, col = "!", "fg=magenta"
	default:
		sym, col = "…", ""
	}
	status := lr.colorize(pad(sym+" "+st.status, statusW), col)

	name := st.name
	if st.optional {
		name += " (optional)"
	}
	if st.err != "" {
		name += ": " + firstLine(st.err)
	}

	retries := ""
	if st.retries > 0 {
		retries = fmt.Sprint(st.retries)
	}
	elapsed := ""
	switch {
	case st.status == "running":
		elapsed = fmtDuration(time.Since(st.started))
	case st.elapsed > 0:
		elapsed = fmtDuration(st.elapsed)
	}
	return fmt.Sprintf("%s  %s  %s  %s", status, ellipsizeMiddle(name, nameW), pad(retries, retryW), pad(elapsed, timeW))
}

func (lr *LiveRenderer) renderTransferRow(t *transferState, w int) string {
	speedW := 12
	etaW := 9
	remain := w - (speedW + etaW + 6)
	fileW := int(float64(remain) * 0.45)
	if fileW < 18 {
		fileW = 18
	}
	progressW := remain - fileW

	var p float64
	if t.total > 0 {
		p = float64(t.bytes) / float64(t.total)
		if p > 1 {
			p = 1
		}
	}
	bar := renderBar(progressW-24, p) // leave room for numbers
	progress := fmt.Sprintf("%s %s/%s %s", lr.colorize(bar, "fg=green"),
		humanize.IBytes(uint64(t.bytes)), humanize.IBytes(uint64(t.total)), percent(p))

	// speed (EMA smoothed)
	now := time.Now()
	if !t.lastTime.IsZero() {
		dt := now.Sub(t.lastTime).Seconds()
		if dt > 0.05 { // Only update if enough time passed (50ms min)
			instantSpeed := float64(t.bytes-t.lastBytes) / dt
			if instantSpeed >= 0 {
				t.smoothedSpeed = smoothSpeed(instantSpeed, t.smoothedSpeed)
			}
			t.lastTime = now
			t.lastBytes = t.bytes
		}
	} else {
		t.lastTime = now
		t.lastBytes = t.bytes
	}
	speed := t.smoothedSpeed

	eta := "—"
	if speed > 0 && t.total > 0 && t.bytes < t.total {
		rem := float64(t.total-t.bytes) / speed
		eta = fmtDuration(time.Duration(rem) * time.Second)
	}

	return fmt.Sprintf("%s  %s  %s  %s",
		ellipsizeMiddle(t.path, fileW), progress,
		pad(humanize.IBytes(uint64(speed))+"/s", speedW), pad(eta, etaW))
}

func (lr *LiveRenderer) headerRow(cols []string, w int) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = lr.bold(c)
	}
	s := strings.Join(parts, "  ")
	if utf8.RuneCountInString(s) > w {
		runes := []rune(s)
		return string(runes[:w])
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func ellipsizeMiddle(s string, w int) string {
	if w <= 3 || utf8.RuneCountInString(s) <= w {
		return pad(s, w)
	}
	runes := []rune(s)
	half := (w - 3) / 2
	if 2*half+3 > len(runes) {
		return pad(s, w)
	}
	return pad(string(runes[:half])+"..."+string(runes[len(runes)-half:]), w)
}

func pad(s string, w int) string {
	r := utf8.RuneCountInString(s)
	if r >= w {
		return s
	}
	return s + strings.Repeat(" ", w-r)
}

func renderBar(width int, p float64) string {
	if width < 3 {
		width = 3
	}
	if p < 0 {
		p = 0
	}
	filled := int(p * float64(width))
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func percent(p float64) string {
	return fmt.Sprintf("%3.0f%%", p*100)
}

func fmtDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func termSize() (int, int) {
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return 100, 30
	}
	return w, h
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ansiOkay falls back to plain output for TERM=dumb. Modern Windows
// terminals handle ANSI.
func ansiOkay() bool {
	return strings.ToLower(os.Getenv("TERM")) != "dumb"
}

func (lr *LiveRenderer) colorize(s, style string) string {
	if lr.noColor || !lr.supports {
		return s
	}
	switch style {
	case "fg=green":
		return "\x1b[32m" + s + "\x1b[0m"
	case "fg=yellow":
		return "\x1b[33m" + s + "\x1b[0m"
	case "fg=red":
		return "\x1b[31m" + s + "\x1b[0m"
	case "fg=blue":
		return "\x1b[34m" + s + "\x1b[0m"
	case "fg=magenta":
		return "\x1b[35m" + s + "\x1b[0m"
	case "fg=cyan":
		return "\x1b[36m" + s + "\x1b[0m"
	default:
		return s
	}
}

func (lr *LiveRenderer) bold(s string) string {
	if lr.noColor || !lr.supports {
		return s
	}
	return "\x1b[1m" + s + "\x1b[0m"
}

func (lr *LiveRenderer) dim(s string) string {
	if lr.noColor || !lr.supports {
		return s
	}
	return "\x1b[2m" + s + "\x1b[0m"
}
