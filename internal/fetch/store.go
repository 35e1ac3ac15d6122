// Package fetch maintains a local store of run input files keyed by their
// sha256, downloading missing files in the background and verifying
// integrity before they become visible.
package fetch

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// DownloadFunc fetches url into path. Cancelling ctx aborts the transfer.
type DownloadFunc func(ctx context.Context, url string, path string) error

type entry struct {
	url  string
	done chan struct{}
	err  error
}

// Store downloads and caches input files. Schedule registers a file for
// background download; Await blocks until it is present and verified.
type Store struct {
	fileDir  string
	tmpDir   string
	download DownloadFunc

	mu      sync.Mutex
	entries map[string]*entry
	queue   chan string
}

// New creates a store rooted at fileDir with tmpDir for in-flight downloads.
func New(fileDir string, tmpDir string, download DownloadFunc) (*Store, error) {
	if err := os.MkdirAll(fileDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create file store directory: %w", err)
	}
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tmp directory: %w", err)
	}
	return &Store{
		fileDir:  fileDir,
		tmpDir:   tmpDir,
		download: download,
		entries:  make(map[string]*entry),
		queue:    make(chan string, 1024),
	}, nil
}

// Start launches the background download worker. Call once; cancelling ctx
// stops the worker and aborts the in-flight transfer.
func (s *Store) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case key := <-s.queue:
				s.fill(ctx, key)
			}
		}
	}()
}

// Schedule registers the file identified by sha256hex for download from url.
// Scheduling the same key twice is a no-op.
func (s *Store) Schedule(sha256hex string, url string) error {
	if len(sha256hex) != 64 {
		return fmt.Errorf("invalid sha256 key: %s", sha256hex)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[sha256hex]; exists {
		return nil
	}
	e := &entry{url: url, done: make(chan struct{})}
	s.entries[sha256hex] = e
	select {
	case s.queue <- sha256hex:
	default:
		return fmt.Errorf("download queue is full")
	}
	return nil
}

// Await blocks until the file for sha256hex is present and verified, then
// returns its path in the store. The key must have been scheduled.
// Cancelling ctx unblocks the wait.
func (s *Store) Await(ctx context.Context, sha256hex string) (string, error) {
	s.mu.Lock()
	e, exists := s.entries[sha256hex]
	s.mu.Unlock()
	if !exists {
		return "", fmt.Errorf("file %s has not been scheduled for download", sha256hex)
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-e.done:
	}
	if e.err != nil {
		return "", e.err
	}
	return s.Path(sha256hex), nil
}

// Path returns where the verified file for key lives.
func (s *Store) Path(sha256hex string) string {
	return filepath.Join(s.fileDir, sha256hex)
}

func (s *Store) fill(ctx context.Context, key string) {
	s.mu.Lock()
	e := s.entries[key]
	s.mu.Unlock()

	defer close(e.done)

	finalPath := s.Path(key)
	if _, err := os.Stat(finalPath); err == nil {
		return // already in the store
	}

	tmpPath := filepath.Join(s.tmpDir, key)
	slog.Info("downloading input file", "sha256", key, "url", e.url)
	if err := s.download(ctx, e.url, tmpPath); err != nil {
		e.err = fmt.Errorf("failed to download %s: %w", e.url, err)
		return
	}

	sum, err := fileSha256(tmpPath)
	if err != nil {
		e.err = err
		return
	}
	if sum != key {
		_ = os.Remove(tmpPath)
		e.err = fmt.Errorf("integrity mismatch for %s: got sha256 %s", e.url, sum)
		return
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		e.err = fmt.Errorf("failed to move %s into the store: %w", key, err)
	}
}

func fileSha256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
