// Package artifacts stores failure evidence (DOM snapshots, screenshots) for
// scenario runs. A LocalStore writes under a directory; an S3Store uploads to
// any S3-compatible bucket. Tee fans one artifact out to several stores.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kuitang/selfchanger-e2e/internal/errs"
	"github.com/kuitang/selfchanger-e2e/internal/obs"
	"github.com/kuitang/selfchanger-e2e/internal/s3client"
)

// Store persists an artifact and reports where it ended up.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// LocalStore writes artifacts below a root directory.
type LocalStore struct {
	root string
}

// NewLocalStore creates root if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, errs.New(errs.InvalidArgument, "artifacts directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrap(errs.Unavailable, "create artifacts directory", err)
	}
	return &LocalStore{root: root}, nil
}

// Root returns the directory artifacts are written under.
func (s *LocalStore) Root() string { return s.root }

// Put writes data to root/key. Keys that escape root are rejected.
func (s *LocalStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel := filepath.FromSlash(strings.TrimPrefix(key, "/"))
	if !filepath.IsLocal(rel) {
		return "", errs.New(errs.InvalidArgument, fmt.Sprintf("artifact key %q escapes the artifacts directory", key))
	}
	full := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", errs.Wrap(errs.Unavailable, "create artifact directory", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", errs.Wrap(errs.Unavailable, "write artifact", err)
	}
	obs.From(ctx).Debug("artifact_written", "path", full, "content_type", contentType, "bytes", len(data))
	return full, nil
}

// S3Store uploads artifacts with an s3client.Client.
type S3Store struct {
	client *s3client.Client
}

func NewS3Store(client *s3client.Client) *S3Store {
	return &S3Store{client: client}
}

func (s *S3Store) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if err := s.client.PutObject(ctx, key, data, contentType); err != nil {
		return "", errs.Wrap(errs.Unavailable, "upload artifact", err)
	}
	loc := s.client.Location(key)
	obs.From(ctx).Debug("artifact_uploaded", "location", loc, "bytes", len(data))
	return loc, nil
}

// Tee writes to every store. It returns the first successful location and
// fails only when no store accepted the artifact.
type Tee []Store

func (t Tee) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	var (
		loc      string
		failures []error
	)
	for _, s := range t {
		l, err := s.Put(ctx, key, contentType, data)
		if err != nil {
			failures = append(failures, err)
			obs.From(ctx).Warn("artifact_store_failed", "key", key, "error", err)
			continue
		}
		if loc == "" {
			loc = l
		}
	}
	if loc == "" {
		if len(failures) == 0 {
			return "", errs.New(errs.FailedPrecondition, "no artifact stores configured")
		}
		return "", errors.Join(failures...)
	}
	return loc, nil
}
