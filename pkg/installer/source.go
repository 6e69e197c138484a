// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// stream is the body of one transfer attempt.
type stream struct {
	body     io.ReadCloser
	offset   int64 // position of the first body byte; 0 means rewrite
	length   int64 // body length, -1 when unknown
	complete bool  // nothing left to fetch
}

// source opens a stream starting at offset.
type source interface {
	open(ctx context.Context, rawURL string, offset int64) (*stream, error)
}

// BucketOpener opens an object store bucket such as "s3://models?region=eu-west-1".
type BucketOpener func(ctx context.Context, bucketURL string) (*blob.Bucket, error)

// buildHTTPClient creates an HTTP client with sensible defaults.
func buildHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr}
}

type httpSource struct {
	client *http.Client
}

func (s *httpSource) open(ctx context.Context, rawURL string, offset int64) (*stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &ConfigError{What: "artifact url " + rawURL, Err: err}
	}
	req.Header.Set("User-Agent", "webui-installer/1")
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TransferError{URL: rawURL, Err: err}
	}

	switch resp.StatusCode {
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		if offset > 0 {
			return &stream{complete: true, offset: offset}, nil
		}
		return nil, &TransferError{URL: rawURL, StatusCode: resp.StatusCode}
	case http.StatusPartialContent:
		if start, ok := contentRangeStart(resp.Header.Get("Content-Range")); ok && start != offset {
			resp.Body.Close()
			return nil, &TransferError{URL: rawURL, Err: fmt.Errorf("server resumed at %d, wanted %d", start, offset)}
		}
		return &stream{body: resp.Body, offset: offset, length: resp.ContentLength}, nil
	case http.StatusOK:
		// Either a fresh download or a server that ignored the range.
		return &stream{body: resp.Body, offset: 0, length: resp.ContentLength}, nil
	default:
		resp.Body.Close()
		return nil, &TransferError{URL: rawURL, StatusCode: resp.StatusCode}
	}
}

// contentRangeStart parses "bytes 100-199/200".
func contentRangeStart(h string) (int64, bool) {
	h = strings.TrimSpace(h)
	if !strings.HasPrefix(h, "bytes ") {
		return 0, false
	}
	var start int64
	if _, err := fmt.Sscanf(strings.TrimPrefix(h, "bytes "), "%d-", &start); err != nil {
		return 0, false
	}
	return start, true
}

// blobSource reads artifacts from object stores via gocloud.dev/blob.
// URLs look like "s3://bucket/path/to/key?region=us-east-1".
type blobSource struct {
	openBucket BucketOpener

	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

func newBlobSource(open BucketOpener) *blobSource {
	if open == nil {
		open = blob.OpenBucket
	}
	return &blobSource{openBucket: open, buckets: map[string]*blob.Bucket{}}
}

// splitBlobURL returns the bucket URL and the object key.
func splitBlobURL(rawURL string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("missing object key in %q", rawURL)
	}
	bucketURL := u.Scheme + "://" + u.Host
	if u.RawQuery != "" {
		bucketURL += "?" + u.RawQuery
	}
	return bucketURL, key, nil
}

func (s *blobSource) bucket(ctx context.Context, bucketURL string) (*blob.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[bucketURL]; ok {
		return b, nil
	}
	b, err := s.openBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	s.buckets[bucketURL] = b
	return b, nil
}

func (s *blobSource) open(ctx context.Context, rawURL string, offset int64) (*stream, error) {
	bucketURL, key, err := splitBlobURL(rawURL)
	if err != nil {
		return nil, &ConfigError{What: "artifact url", Err: err}
	}
	b, err := s.bucket(ctx, bucketURL)
	if err != nil {
		return nil, &ConfigError{What: "open bucket " + bucketURL, Err: err}
	}

	attrs, err := b.Attributes(ctx, key)
	if err != nil {
		return nil, s.wrap(rawURL, err)
	}
	if offset > 0 && offset >= attrs.Size {
		return &stream{complete: true, offset: offset}, nil
	}
	r, err := b.NewRangeReader(ctx, key, offset, -1, nil)
	if err != nil {
		return nil, s.wrap(rawURL, err)
	}
	return &stream{body: r, offset: offset, length: attrs.Size - offset}, nil
}

func (s *blobSource) wrap(rawURL string, err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.InvalidArgument, gcerrors.Unimplemented:
		return &ConfigError{What: "artifact url " + rawURL, Err: err}
	}
	return &TransferError{URL: rawURL, Err: err}
}

func (s *blobSource) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for k, b := range s.buckets {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.buckets, k)
	}
	return first
}
