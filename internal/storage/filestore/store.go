// Package filestore is the local fallback store: one append-only JSON Lines
// file per collection.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-billing/internal/lock"
	"github.com/noah-isme/toko-billing/internal/obs"
	"github.com/noah-isme/toko-billing/internal/storage"
)

const maxLineBytes = 4 << 20

// Guard serializes writers across processes. lock.Locker satisfies it.
type Guard interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Store keeps documents in Dir/<collection>.jsonl. Upserts append a new
// version of the key and readers keep the last one.
type Store struct {
	Dir     string
	Guard   Guard
	LockTTL time.Duration
	Logger  zerolog.Logger
	Now     func() time.Time

	mu sync.Mutex
}

// New returns a store rooted at dir. The directory is created on first write.
func New(dir string, logger zerolog.Logger) *Store {
	return &Store{Dir: dir, Logger: logger.With().Str("component", "filestore").Logger()}
}

// Name implements storage.Store.
func (s *Store) Name() string { return "fallback" }

// Insert appends the document unless the key is already present.
func (s *Store) Insert(ctx context.Context, collection, key string, body []byte) error {
	return s.locked(ctx, collection, func() error {
		entries, _, err := s.scan(collection)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Key == key {
				return storage.ErrDuplicateKey
			}
		}
		return s.appendEntry(collection, key, body)
	})
}

// Upsert appends a new version of the document.
func (s *Store) Upsert(ctx context.Context, collection, key string, body []byte) error {
	return s.locked(ctx, collection, func() error {
		return s.appendEntry(collection, key, body)
	})
}

// LoadAll returns the latest version of each key in first-seen order. A
// missing file yields no documents. A non-empty file where no line decodes
// yields a *storage.CorruptionError.
func (s *Store) LoadAll(ctx context.Context, collection string) ([]storage.Document, error) {
	var docs []storage.Document
	err := s.withMutex(func() error {
		entries, skipped, err := s.scan(collection)
		if err != nil {
			return err
		}
		if skipped > 0 {
			s.Logger.Warn().Str("collection", collection).Int("skipped", skipped).Msg("skipped corrupt lines")
			if obs.CorruptRecordsSkippedTotal != nil {
				obs.CorruptRecordsSkippedTotal.WithLabelValues(collection).Add(float64(skipped))
			}
		}
		docs = latestPerKey(entries)
		return nil
	})
	return docs, err
}

// Ping checks that the directory exists or can be created and is writable.
func (s *Store) Ping(context.Context) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(s.Dir, ".ping-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// Path returns the file backing a collection.
func (s *Store) Path(collection string) string {
	return filepath.Join(s.Dir, collection+".jsonl")
}

func (s *Store) locked(ctx context.Context, collection string, fn func() error) error {
	if s.Guard == nil {
		return s.withMutex(fn)
	}
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	ran := false
	err := s.Guard.WithLock(ctx, "filestore:"+collection, ttl, func(context.Context) error {
		ran = true
		return s.withMutex(fn)
	})
	if err == nil || ran || errors.Is(err, lock.ErrNotAcquired) || ctx.Err() != nil {
		return err
	}
	// The guard's backend is unreachable. Local writes must not depend on it.
	s.Logger.Warn().Err(err).Str("collection", collection).Msg("write guard unavailable, continuing under process lock")
	return s.withMutex(fn)
}

func (s *Store) withMutex(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *Store) appendEntry(collection, key string, body []byte) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create fallback dir: %w", err)
	}
	if !json.Valid(body) {
		return fmt.Errorf("filestore: document %s/%s is not valid JSON", collection, key)
	}
	line, err := json.Marshal(storage.Document{Key: key, At: s.now(), Body: body})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.Path(collection), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// scan reads every decodable envelope. It reports how many non-blank lines
// were skipped and fails when none of them decode.
func (s *Store) scan(collection string) ([]storage.Document, int, error) {
	path := s.Path(collection)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.Logger.Debug().Str("collection", collection).Msg("collection file not found")
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var (
		entries []storage.Document
		total   int
		lastErr error
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		total++
		var doc storage.Document
		if err := json.Unmarshal(line, &doc); err != nil {
			lastErr = err
			continue
		}
		if doc.Key == "" || len(doc.Body) == 0 {
			lastErr = fmt.Errorf("line %d: missing key or document", total)
			continue
		}
		entries = append(entries, doc)
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", path, err)
	}
	if total > 0 && len(entries) == 0 {
		return nil, 0, &storage.CorruptionError{Store: s.Name(), Collection: collection, Lines: total, Err: lastErr}
	}
	return entries, total - len(entries), nil
}

func latestPerKey(entries []storage.Document) []storage.Document {
	index := make(map[string]int, len(entries))
	out := make([]storage.Document, 0, len(entries))
	for _, e := range entries {
		if i, ok := index[e.Key]; ok {
			out[i] = e
			continue
		}
		index[e.Key] = len(out)
		out = append(out, e)
	}
	return out
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
