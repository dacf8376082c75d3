package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// metadataRecord is the first line of a session file.
type metadataRecord struct {
	Type             string         `json:"_type"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	LastConsolidated int            `json:"last_consolidated"`
}

// Info is one row of a session listing.
type Info struct {
	Key          string    `json:"key"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store persists sessions as one JSONL file per key under a directory,
// with a write-back cache. Writes for a given key are serialized by the
// agent loop; the mutex only guards the cache map itself.
type Store struct {
	dir string

	mu    sync.Mutex
	cache map[string]*Session

	log *slog.Logger
}

// NewStore creates a session store rooted at dir.
func NewStore(dir string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sessions directory: %w", err)
	}
	return &Store{
		dir:   dir,
		cache: make(map[string]*Session),
		log:   log.With("component", "session"),
	}, nil
}

// reserved filename characters are replaced with underscores. Note that
// this maps "telegram:123" and "telegram_123" to the same file.
func sanitizeKey(key string) string {
	out := []byte(key)
	for i, c := range out {
		switch c {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			out[i] = '_'
		}
	}
	return string(out)
}

func (st *Store) path(key string) string {
	return filepath.Join(st.dir, sanitizeKey(key)+".jsonl")
}

// GetOrCreate returns the cached session for key, loading it from disk or
// creating a fresh one as needed.
func (st *Store) GetOrCreate(key string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.cache[key]; ok {
		return s
	}
	s, err := st.load(key)
	if err != nil {
		if !os.IsNotExist(err) {
			st.log.Warn("failed to load session, starting fresh", "key", key, "error", err)
		}
		s = NewSession(key)
	}
	st.cache[key] = s
	return s
}

// load reads a session file. Malformed message lines are skipped; the
// metadata line is recognized wherever it appears.
func (st *Store) load(key string) (*Session, error) {
	f, err := os.Open(st.path(key))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s := NewSession(key)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var probe struct {
			Type string `json:"_type"`
		}
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			st.log.Debug("skipping malformed session line", "key", key)
			continue
		}
		if probe.Type == "metadata" {
			var meta metadataRecord
			if err := json.Unmarshal([]byte(line), &meta); err == nil {
				s.CreatedAt = meta.CreatedAt
				s.UpdatedAt = meta.UpdatedAt
				s.Metadata = meta.Metadata
				s.LastConsolidated = meta.LastConsolidated
				if s.Metadata == nil {
					s.Metadata = map[string]any{}
				}
			}
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			st.log.Debug("skipping malformed session line", "key", key)
			continue
		}
		if msg.Role == "" {
			continue
		}
		s.Messages = append(s.Messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save rewrites the session file: one metadata line followed by one line
// per message. The write goes to a temp file first and is renamed into
// place.
func (st *Store) Save(s *Session) error {
	var b strings.Builder
	meta := metadataRecord{
		Type:             "metadata",
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		Metadata:         s.Metadata,
		LastConsolidated: s.LastConsolidated,
	}
	line, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding session metadata: %w", err)
	}
	b.Write(line)
	b.WriteByte('\n')
	for _, msg := range s.Messages {
		line, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encoding session message: %w", err)
		}
		b.Write(line)
		b.WriteByte('\n')
	}

	path := st.path(s.Key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing session file: %w", err)
	}
	return nil
}

// Invalidate drops the cache entry for key.
func (st *Store) Invalidate(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.cache, key)
}

// Archive copies the current session file aside before a clear, so /new
// never destroys a transcript outright.
func (st *Store) Archive(s *Session) (string, error) {
	if len(s.Messages) == 0 {
		return "", nil
	}
	stamp := time.Now().UTC().Format("20060102-150405")
	dst := filepath.Join(st.dir, fmt.Sprintf("%s.%s.archive.jsonl", sanitizeKey(s.Key), stamp))
	src, err := os.ReadFile(st.path(s.Key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if err := os.WriteFile(dst, src, 0o644); err != nil {
		return "", err
	}
	return dst, nil
}

// List enumerates session files, newest first.
func (st *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, err
	}
	var infos []Info
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") || strings.Contains(name, ".archive.") {
			continue
		}
		key := strings.TrimSuffix(name, ".jsonl")
		s, err := st.load(key)
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Key:          key,
			MessageCount: len(s.Messages),
			UpdatedAt:    s.UpdatedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos, nil
}

// Path exposes the on-disk location for a key (used by the replay pager).
func (st *Store) Path(key string) string { return st.path(key) }
