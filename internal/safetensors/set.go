package safetensors

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"
)

const (
	SingleFileName = "model.safetensors"
	IndexFileName  = "model.safetensors.index.json"
)

// Set groups the shard files of one checkpoint behind a single lookup.
type Set struct {
	files  []*File
	byName map[string]*File
}

type shardIndex struct {
	WeightMap map[string]string `json:"weight_map"`
}

// OpenDir opens the checkpoint stored in dir, preferring the single-file
// layout and falling back to a sharded index.
func OpenDir(dir string) (*Set, error) {
	single := filepath.Join(dir, SingleFileName)
	if _, err := os.Stat(single); err == nil {
		f, err := Open(single)
		if err != nil {
			return nil, err
		}
		return newSet([]*File{f}), nil
	}

	raw, err := os.ReadFile(filepath.Join(dir, IndexFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no %s or %s in %s", SingleFileName, IndexFileName, dir)
		}
		return nil, err
	}
	names, err := ShardNames(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", IndexFileName, err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s lists no shards", IndexFileName)
	}

	files := make([]*File, 0, len(names))
	for _, name := range names {
		f, err := Open(filepath.Join(dir, name))
		if err != nil {
			s := newSet(files)
			return nil, errors.Join(err, s.Close())
		}
		files = append(files, f)
	}
	return newSet(files), nil
}

// ShardNames lists the shard files referenced by an index file.
func ShardNames(indexJSON []byte) ([]string, error) {
	var idx shardIndex
	if err := json.Unmarshal(indexJSON, &idx); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, 4)
	var out []string
	for _, shard := range idx.WeightMap {
		if _, ok := seen[shard]; ok {
			continue
		}
		seen[shard] = struct{}{}
		out = append(out, shard)
	}
	sort.Strings(out)
	return out, nil
}

func newSet(files []*File) *Set {
	s := &Set{files: files, byName: make(map[string]*File)}
	for _, f := range files {
		for name := range f.Tensors {
			s.byName[name] = f
		}
	}
	return s
}

func (s *Set) Has(name string) bool {
	_, ok := s.byName[name]
	return ok
}

func (s *Set) Float32s(name string) ([]float32, TensorInfo, error) {
	f, ok := s.byName[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return f.Float32s(name)
}

func (s *Set) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.files = nil
	s.byName = nil
	return errors.Join(errs...)
}
