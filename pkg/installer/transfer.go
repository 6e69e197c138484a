// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Artifact is a remote resource fetched to a local destination.
type Artifact struct {
	// Name identifies the artifact in progress records ("artifact:<name>").
	Name string `json:"name" yaml:"name"`

	// URL is http(s):// or an object store URL (s3://, gs://, mem://).
	URL string `json:"url" yaml:"url"`

	// Dest is the final path. Bytes land in "<Dest>.tmp" until the stream
	// completes.
	Dest string `json:"dest" yaml:"dest"`

	// ExpectedSize is the advertised size, 0 when unknown.
	ExpectedSize ByteSize `json:"size,omitempty" yaml:"size,omitempty"`

	// Optional artifacts may fail without halting a run.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// FetchResult describes a finished fetch.
type FetchResult struct {
	Path     string // final path
	Size     int64  // bytes at Path
	Resumed  int64  // bytes already on disk when the fetch started
	Attempts int
	Skipped  bool // the final path existed and no partial file was pending
}

// TransferOptions configures a Transfer.
type TransferOptions struct {
	// Client is used for http(s) sources. Nil uses a client with
	// conservative timeouts.
	Client *http.Client

	// Policy bounds attempts and delays.
	Policy RetryPolicy

	// VerifySize fails the fetch when the finished file differs from
	// Artifact.ExpectedSize. Otherwise a mismatch is only reported.
	VerifySize bool

	// OpenBucket opens object store buckets. Nil uses blob.OpenBucket.
	OpenBucket BucketOpener

	Progress ProgressFunc
	Logger   *slog.Logger
}

// Transfer performs resumable downloads, one artifact at a time.
type Transfer struct {
	http       *httpSource
	blobs      *blobSource
	policy     RetryPolicy
	verifySize bool
	emit       emitter
	log        *slog.Logger
}

// NewTransfer returns a Transfer. Call Close to release object store
// buckets.
func NewTransfer(opts TransferOptions) *Transfer {
	client := opts.Client
	if client == nil {
		client = buildHTTPClient()
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Transfer{
		http:       &httpSource{client: client},
		blobs:      newBlobSource(opts.OpenBucket),
		policy:     opts.Policy,
		verifySize: opts.VerifySize,
		emit:       newEmitter(opts.Progress),
		log:        log,
	}
}

// Close releases cached buckets.
func (t *Transfer) Close() error {
	return t.blobs.close()
}

// TempPath returns the partial file used while dest is being fetched.
func TempPath(dest string) string {
	return dest + ".tmp"
}

// Fetch downloads a into a.Dest.
//
// The byte offset to resume from is the size of "<Dest>.tmp". On failure
// the partial file is kept so a later call continues where this one
// stopped; the final path only ever holds a complete stream.
func (t *Transfer) Fetch(ctx context.Context, a Artifact) (FetchResult, error) {
	res := FetchResult{Path: a.Dest}
	if a.URL == "" || a.Dest == "" {
		return res, &ConfigError{What: fmt.Sprintf("artifact %q needs url and dest", a.Name)}
	}
	src, err := t.sourceFor(a.URL)
	if err != nil {
		return res, err
	}
	if err := os.MkdirAll(filepath.Dir(a.Dest), 0o755); err != nil {
		return res, &ConfigError{What: "create " + filepath.Dir(a.Dest), Err: err}
	}

	stage := stageFrom(ctx)
	tmp := TempPath(a.Dest)
	if err := t.demoteWrongSize(a, tmp); err != nil {
		return res, err
	}
	if fi, err := os.Stat(a.Dest); err == nil && !fi.IsDir() && !exists(tmp) {
		res.Skipped = true
		res.Size = fi.Size()
		t.emit(ProgressEvent{Event: "file_done", Stage: stage, Path: a.Dest, Downloaded: fi.Size(), Total: fi.Size(), Message: "already present"})
		return res, nil
	}

	res.Resumed = fileSize(tmp)
	t.emit(ProgressEvent{Event: "file_start", Stage: stage, Path: a.Dest, Total: int64(a.ExpectedSize), Downloaded: res.Resumed})
	t.log.Debug("fetch start", "url", a.URL, "dest", a.Dest, "offset", res.Resumed)

	obs := RetryObserver{
		OnRetry: func(attempt int, err error, wait time.Duration) {
			t.log.Warn("transfer attempt failed", "url", a.URL, "attempt", attempt, "wait", wait, "err", err)
			t.emit(ProgressEvent{Level: "warn", Event: "retry", Stage: stage, Path: a.Dest, Attempt: attempt, Message: err.Error()})
		},
	}
	var size int64
	res.Attempts, err = t.policy.Do(ctx, obs, func(ctx context.Context, _ int) error {
		var aerr error
		size, aerr = t.attempt(ctx, src, a, tmp)
		return aerr
	})
	if err != nil {
		t.emit(ProgressEvent{Level: "error", Event: "error", Stage: stage, Path: a.Dest, Message: err.Error()})
		return res, err
	}
	res.Size = size
	t.emit(ProgressEvent{Event: "file_done", Stage: stage, Path: a.Dest, Downloaded: size, Total: size})
	t.log.Info("fetched", "dest", a.Dest, "bytes", size, "attempts", res.Attempts)
	return res, nil
}

// demoteWrongSize turns a final file that fails the size check back into
// something Fetch will download. A short file becomes the partial file and
// is resumed; a long one is removed.
func (t *Transfer) demoteWrongSize(a Artifact, tmp string) error {
	if !t.verifySize || a.ExpectedSize <= 0 || exists(tmp) {
		return nil
	}
	fi, err := os.Stat(a.Dest)
	if err != nil || fi.IsDir() || fi.Size() == int64(a.ExpectedSize) {
		return nil
	}
	t.log.Warn("existing file has wrong size, fetching again", "dest", a.Dest,
		"size", fi.Size(), "expected", int64(a.ExpectedSize))
	if fi.Size() < int64(a.ExpectedSize) {
		err = os.Rename(a.Dest, tmp)
	} else {
		err = os.Remove(a.Dest)
	}
	if err != nil {
		return fmt.Errorf("replace %s: %w", a.Dest, err)
	}
	return nil
}

func (t *Transfer) sourceFor(rawURL string) (source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ConfigError{What: "artifact url " + rawURL, Err: err}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return t.http, nil
	case "s3", "gs", "mem":
		return t.blobs, nil
	default:
		return nil, &ConfigError{What: fmt.Sprintf("unsupported url scheme %q", u.Scheme)}
	}
}

// attempt runs one transfer attempt and returns the final size.
func (t *Transfer) attempt(ctx context.Context, src source, a Artifact, tmp string) (int64, error) {
	offset := fileSize(tmp)
	st, err := src.open(ctx, a.URL, offset)
	if err != nil {
		return offset, err
	}

	if !st.complete {
		if err := t.write(st, a, tmp); err != nil {
			return fileSize(tmp), err
		}
	}

	size := fileSize(tmp)
	if want := int64(a.ExpectedSize); want > 0 && size != want {
		if t.verifySize {
			_ = os.Remove(tmp)
			return 0, &VerificationError{Subject: a.Dest, Method: "size",
				Expected: fmt.Sprint(want), Actual: fmt.Sprint(size)}
		}
		t.log.Warn("size mismatch", "dest", a.Dest, "expected", want, "actual", size)
		t.emit(ProgressEvent{Level: "warn", Event: "warn", Path: a.Dest, Total: want, Downloaded: size,
			Message: fmt.Sprintf("size mismatch: expected %d bytes, got %d", want, size)})
	}
	if err := os.Rename(tmp, a.Dest); err != nil {
		return size, err
	}
	return size, nil
}

// write streams st.body into tmp, appending when st.offset > 0.
func (t *Transfer) write(st *stream, a Artifact, tmp string) error {
	defer st.body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if st.offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(tmp, flags, 0o644)
	if err != nil {
		return err
	}

	total := int64(a.ExpectedSize)
	if st.length >= 0 {
		total = st.offset + st.length
	}
	pr := newProgressReader(st.body, st.offset, total, a.Dest, t.emit)
	n, cerr := io.Copy(f, pr)
	if cerr == nil && st.length >= 0 && n != st.length {
		cerr = io.ErrUnexpectedEOF
	}
	if cerr == nil {
		cerr = f.Sync()
	}
	if err := f.Close(); cerr == nil {
		cerr = err
	}
	if cerr != nil {
		return &TransferError{URL: a.URL, Err: cerr}
	}
	return nil
}

// progressReader wraps an io.Reader and emits progress events during reads.
type progressReader struct {
	reader     io.Reader
	total      int64
	downloaded int64
	path       string
	emit       emitter
	lastEmit   time.Time
	interval   time.Duration
}

func newProgressReader(r io.Reader, start, total int64, path string, emit emitter) *progressReader {
	return &progressReader{
		reader:     r,
		total:      total,
		downloaded: start,
		path:       path,
		emit:       emit,
		lastEmit:   time.Now(),
		interval:   200 * time.Millisecond,
	}
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.downloaded += int64(n)
		if time.Since(pr.lastEmit) >= pr.interval || err == io.EOF {
			pr.emit(ProgressEvent{
				Event:      "file_progress",
				Path:       pr.path,
				Downloaded: pr.downloaded,
				Total:      pr.total,
			})
			pr.lastEmit = time.Now()
		}
	}
	return n, err
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
