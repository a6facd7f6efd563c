// Package blobstoretest provides an in-memory blobstore.Store fake for
// use in other packages' tests.
package blobstoretest

import (
	"context"
	"strings"
	"sync"

	apperrors "github.com/nexusidp/document-processor/internal/errors"
)

// Fake is an in-memory blobstore.Store. Zero value is ready to use.
type Fake struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func New() *Fake {
	return &Fake{objects: make(map[string][]byte)}
}

func (f *Fake) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, apperrors.NewNotFoundError("", key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (f *Fake) Put(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	f.objects[key] = stored
	return nil
}

func (f *Fake) Head(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *Fake) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
