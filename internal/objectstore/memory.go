package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// StoredObject is an object held by Memory.
type StoredObject struct {
	Data        []byte
	ContentType string
}

// Memory is an in-process Gateway used by the batch CLI and tests.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]map[string]StoredObject
}

func NewMemory(buckets ...string) *Memory {
	m := &Memory{buckets: make(map[string]map[string]StoredObject)}
	for _, b := range buckets {
		m.buckets[b] = make(map[string]StoredObject)
	}
	return m
}

func (m *Memory) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.buckets[bucket][key]
	if !ok {
		return nil, &NotFoundError{Bucket: bucket, Key: key}
	}
	return io.NopCloser(bytes.NewReader(obj.Data)), nil
}

func (m *Memory) PutObject(_ context.Context, bucket, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return fmt.Errorf("put %s/%s: bucket does not exist", bucket, key)
	}
	b[key] = StoredObject{Data: bytes.Clone(data), ContentType: contentType}
	return nil
}

func (m *Memory) BucketExists(_ context.Context, bucket string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.buckets[bucket]
	return ok, nil
}

func (m *Memory) MakeBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = make(map[string]StoredObject)
	}
	return nil
}

// Object returns a stored object, for inspection.
func (m *Memory) Object(bucket, key string) (StoredObject, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.buckets[bucket][key]
	return obj, ok
}

// Keys lists the keys of bucket under prefix in lexical order.
func (m *Memory) Keys(bucket, prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.buckets[bucket] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
