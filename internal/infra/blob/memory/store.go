// Package memory keeps export artifacts in process memory.
package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"catchcore/internal/blob/core"
)

type artifact struct {
	info core.Info
	data []byte
}

// Store implements core.Store on a guarded map.
type Store struct {
	mu        sync.RWMutex
	artifacts map[string]artifact
}

// New returns an empty in-memory store.
func New() *Store { return &Store{artifacts: make(map[string]artifact)} }

func (s *Store) Driver() core.Driver { return core.DriverMemory }

// Put buffers r and stores it under key; existing keys are rejected.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	clean, err := core.CleanKey(key)
	if err != nil {
		return core.Info{}, err
	}
	if err := ctx.Err(); err != nil {
		return core.Info{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return core.Info{}, fmt.Errorf("read artifact %s: %w", clean, err)
	}
	sum := sha256.Sum256(data)
	info := core.Info{
		Key:          clean,
		Size:         int64(len(data)),
		ContentType:  opts.ContentType,
		ETag:         hex.EncodeToString(sum[:]),
		Metadata:     core.CloneMetadata(opts.Metadata),
		LastModified: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.artifacts[clean]; exists {
		return core.Info{}, fmt.Errorf("%w: %s", core.ErrExists, clean)
	}
	s.artifacts[clean] = artifact{info: info, data: data}
	return copyInfo(info), nil
}

func (s *Store) Get(_ context.Context, key string) (core.Info, io.ReadCloser, error) {
	a, err := s.lookup(key)
	if err != nil {
		return core.Info{}, nil, err
	}
	return copyInfo(a.info), io.NopCloser(bytes.NewReader(bytes.Clone(a.data))), nil
}

func (s *Store) Head(_ context.Context, key string) (core.Info, error) {
	a, err := s.lookup(key)
	if err != nil {
		return core.Info{}, err
	}
	return copyInfo(a.info), nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	clean, err := core.CleanKey(key)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[clean]; !ok {
		return false, nil
	}
	delete(s.artifacts, clean)
	return true, nil
}

func (s *Store) List(_ context.Context, prefix string) ([]core.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Info, 0, len(s.artifacts))
	for key, a := range s.artifacts {
		if strings.HasPrefix(key, prefix) {
			out = append(out, copyInfo(a.info))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// PresignURL is not available for process memory.
func (s *Store) PresignURL(context.Context, string, core.SignedURLOptions) (string, error) {
	return "", core.ErrUnsupported
}

func (s *Store) lookup(key string) (artifact, error) {
	clean, err := core.CleanKey(key)
	if err != nil {
		return artifact{}, err
	}
	s.mu.RLock()
	a, ok := s.artifacts[clean]
	s.mu.RUnlock()
	if !ok {
		return artifact{}, fmt.Errorf("%w: %s", core.ErrNotFound, clean)
	}
	return a, nil
}

func copyInfo(info core.Info) core.Info {
	info.Metadata = core.CloneMetadata(info.Metadata)
	return info
}
