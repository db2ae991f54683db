package attachments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DiskCacheEntry is a single attachment payload persisted on disk.
type DiskCacheEntry struct {
	Ref     string `json:"ref"`
	Payload string `json:"payload"`
}

// DiskCache persists attachment payloads in a directory, one file per reference.
type DiskCache struct {
	directory  string
	maxSize    int64 // in bytes
	maxEntries int   // LRU count
	mu         sync.Mutex
}

type Option func(*DiskCache)

func WithDirectory(dir string) Option {
	return func(p *DiskCache) {
		if dir != "" {
			p.directory = dir
		}
	}
}

func WithMaxSize(size int64) Option {
	return func(p *DiskCache) {
		p.maxSize = size
	}
}

func WithMaxEntries(count int) Option {
	return func(p *DiskCache) {
		p.maxEntries = count
	}
}

func NewDiskCache(opts ...Option) (*DiskCache, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get home directory")
	}

	p := &DiskCache{
		directory:  filepath.Join(homeDir, ".parley", "attachments"),
		maxSize:    256 << 20,
		maxEntries: 1000,
	}

	for _, opt := range opts {
		opt(p)
	}

	if err := os.MkdirAll(p.directory, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create cache directory")
	}

	return p, nil
}

func (p *DiskCache) Directory() string {
	return p.directory
}

func (p *DiskCache) getCacheFilePath(ref string) string {
	hash := sha256.Sum256([]byte(ref))
	return filepath.Join(p.directory, hex.EncodeToString(hash[:]))
}

func (p *DiskCache) readEntry(ref string) (*DiskCacheEntry, error) {
	path := p.getCacheFilePath(ref)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read cache file")
	}

	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		return nil, errors.Wrap(err, "failed to update file times")
	}

	var entry DiskCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// corrupted files count as missing
		_ = os.Remove(path)
		return nil, nil
	}

	return &entry, nil
}

func (p *DiskCache) enforceSize() error {
	entries, err := os.ReadDir(p.directory)
	if err != nil {
		return errors.Wrap(err, "failed to read cache directory")
	}

	type fileInfo struct {
		path       string
		size       int64
		accessTime time.Time
	}

	var files []fileInfo
	var totalSize int64

	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}

		files = append(files, fileInfo{
			path:       filepath.Join(p.directory, entry.Name()),
			size:       info.Size(),
			accessTime: info.ModTime(),
		})
		totalSize += info.Size()
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].accessTime.Before(files[j].accessTime)
	})

	for i := 0; i < len(files) && (len(files)-i > p.maxEntries || totalSize > p.maxSize); i++ {
		if err := os.Remove(files[i].path); err != nil {
			return errors.Wrap(err, "failed to remove cache file")
		}
		totalSize -= files[i].size
	}

	return nil
}

func (p *DiskCache) Get(_ context.Context, ref string) (string, bool, error) {
	p.mu.Lock()
	entry, err := p.readEntry(ref)
	p.mu.Unlock()
	if err != nil {
		return "", false, err
	}
	if entry == nil {
		return "", false, nil
	}
	return entry.Payload, true, nil
}

func (p *DiskCache) Put(_ context.Context, ref string, payload string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := json.Marshal(&DiskCacheEntry{Ref: ref, Payload: payload})
	if err != nil {
		return errors.Wrap(err, "failed to marshal entry")
	}
	if err := os.WriteFile(p.getCacheFilePath(ref), data, 0644); err != nil {
		return errors.Wrap(err, "failed to write cache file")
	}

	return p.enforceSize()
}

func (p *DiskCache) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.RemoveAll(p.directory); err != nil {
		return errors.Wrap(err, "failed to clear cache")
	}

	return os.MkdirAll(p.directory, 0755)
}

var _ Store = (*DiskCache)(nil)
