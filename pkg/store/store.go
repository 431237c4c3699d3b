package store

import (
	"fmt"
	"path"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/taskmesh/worker/pkg/log"
	"github.com/taskmesh/worker/pkg/utils"
)

// An item tracked by the in-memory LRU.
type storeItem struct {
	key  string
	size int64
}

func (i *storeItem) Key() string {
	return i.key
}

func (i *storeItem) Size() int64 {
	return i.size
}

// Store holds computed and fetched values, keyed by opaque string
// keys. Values live in memory; when a memory target is configured and
// exceeded, the least recently used values are spilled to a scratch
// directory, compressed. Spilled values are loaded back on access.
//
// The scratch directory is removed on Close. Nothing survives a
// restart.
type Store struct {
	mu sync.Mutex

	// In-memory values.
	mem map[string][]byte

	// Size in bytes of each held value, in memory or spilled.
	nbytes map[string]int64

	// Spill file name per spilled key.
	spilled map[string]string

	// Recency order of the in-memory values. Eviction spills.
	lru *utils.LRU[*storeItem]

	fs     afero.Fs
	dir    string
	target int64
	logger *log.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New creates a store. A target of zero or less means unbounded; no
// value is ever spilled and the directory stays unused.
func New(fs afero.Fs, dir string, target int64, logger *log.Logger) (*Store, error) {
	if err := fs.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cannot create spill directory: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	s := &Store{
		mem:     map[string][]byte{},
		nbytes:  map[string]int64{},
		spilled: map[string]string{},
		fs:      fs,
		dir:     dir,
		target:  target,
		logger:  logger,
		enc:     enc,
		dec:     dec,
	}
	s.lru = utils.NewLRU[*storeItem](target, s.spill)
	return s, nil
}

// Put deposits a value. An existing value under the same key is
// replaced.
func (s *Store) Put(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropSpilledLocked(key)
	s.mem[key] = value
	s.nbytes[key] = int64(len(value))

	// May spill older values when over target.
	s.lru.Add(&storeItem{key: key, size: int64(len(value))})
}

// Get returns the value held under a key. Spilled values are loaded
// back into memory.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value, ok := s.mem[key]; ok {
		s.lru.Touch(key)
		return value, true
	}

	name, ok := s.spilled[key]
	if !ok {
		return nil, false
	}

	compressed, err := afero.ReadFile(s.fs, path.Join(s.dir, name))
	if err != nil {
		s.logger.Errorf("Cannot read spilled value for %s: %v", key, err)
		return nil, false
	}

	value, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		s.logger.Errorf("Cannot decompress spilled value for %s: %v", key, err)
		return nil, false
	}

	s.fs.Remove(path.Join(s.dir, name))
	delete(s.spilled, key)
	s.mem[key] = value
	s.lru.Add(&storeItem{key: key, size: int64(len(value))})
	return value, true
}

// Has reports whether a key is held, in memory or spilled.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.nbytes[key]
	return ok
}

// Delete removes a key and its value.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.mem, key)
	delete(s.nbytes, key)
	s.lru.Remove(key)
	s.dropSpilledLocked(key)
}

// Keys returns all held keys.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.nbytes))
	for key := range s.nbytes {
		keys = append(keys, key)
	}
	return keys
}

// Len returns the number of held keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nbytes)
}

// NBytes returns the size of the value held under a key.
func (s *Store) NBytes(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nbytes[key]
}

// TotalBytes returns the summed size of all held values.
func (s *Store) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, n := range s.nbytes {
		total += n
	}
	return total
}

// SpilledCount returns the number of values currently on disk.
func (s *Store) SpilledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spilled)
}

// Close removes the scratch directory and all spilled values.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mem = map[string][]byte{}
	s.nbytes = map[string]int64{}
	s.spilled = map[string]string{}
	return s.fs.RemoveAll(s.dir)
}

// spill is called by the LRU when the in-memory size exceeds the
// target. The store mutex is already held.
func (s *Store) spill(item *storeItem) {
	value, ok := s.mem[item.key]
	if !ok {
		return
	}

	name, err := utils.Sha1String(item.key)
	if err != nil {
		return
	}

	compressed := s.enc.EncodeAll(value, nil)
	if err := afero.WriteFile(s.fs, path.Join(s.dir, name), compressed, 0600); err != nil {
		s.logger.Errorf("Cannot spill value for %s: %v", item.key, err)
		return
	}

	s.logger.Debugf("Spilled %s (%s, %s compressed)",
		item.key, utils.HumanByteSize(item.size), utils.HumanByteSize(int64(len(compressed))))

	delete(s.mem, item.key)
	s.spilled[item.key] = name
}

func (s *Store) dropSpilledLocked(key string) {
	if name, ok := s.spilled[key]; ok {
		s.fs.Remove(path.Join(s.dir, name))
		delete(s.spilled, key)
	}
}
