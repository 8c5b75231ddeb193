package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// YAMLStore keeps settings in a single YAML document. It backs up the
// primary store and serves reads when the primary has nothing.
type YAMLStore struct {
	path string

	mu     sync.Mutex
	values map[string]any
}

// OpenYAML loads path if it exists.
func OpenYAML(path string) (*YAMLStore, error) {
	s := &YAMLStore{path: path, values: map[string]any{}}

	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(b) > 0 {
		if err := yaml.Unmarshal(b, &s.values); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if s.values == nil {
			s.values = map[string]any{}
		}
	}
	return s, nil
}

func (s *YAMLStore) Get(_ context.Context, keys []string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := s.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *YAMLStore) Set(_ context.Context, items map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]any, len(s.values)+len(items))
	for k, v := range s.values {
		next[k] = v
	}
	for k, v := range items {
		// normalize through JSON so typed values read back like decoded ones
		var plain any
		if err := remarshal(v, &plain); err != nil {
			return false, fmt.Errorf("encode %s: %w", k, err)
		}
		next[k] = plain
	}
	if err := s.flush(next); err != nil {
		return false, err
	}
	s.values = next
	return true, nil
}

func (s *YAMLStore) Remove(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]any, len(s.values))
	for k, v := range s.values {
		next[k] = v
	}
	for _, k := range keys {
		delete(next, k)
	}
	if err := s.flush(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

// flush writes atomically via a temp file in the same directory.
func (s *YAMLStore) flush(values map[string]any) error {
	b, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
