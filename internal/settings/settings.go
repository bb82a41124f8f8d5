// Package settings keeps the MPD connection settings in a flat INI file.
//
// The file holds a single [SERVER] section. Every mutation rewrites the whole
// file so what is on disk always matches what the daemon serves.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/ini.v1"
)

const (
	Section = "SERVER"

	KeyHost     = "host"
	KeyPort     = "port"
	KeyPassword = "password"

	DefaultHost = "localhost"
	DefaultPort = "6600"
	DefaultPath = "mpd.conf"
)

var (
	// ErrConfigIO is wrapped by every read, parse or write failure of the backing file.
	ErrConfigIO = errors.New("settings: config file i/o")
	// ErrUnrepresentable is wrapped when a key or value would not read back
	// unchanged from the INI file.
	ErrUnrepresentable = errors.New("settings: not representable in ini")
)

var loadOptions = ini.LoadOptions{InsensitiveKeys: true}

// Store is the in-memory copy of the settings file.
type Store struct {
	mu     sync.RWMutex
	path   string
	values map[string]string
}

// Defaults returns a fresh copy of the default settings.
func Defaults() map[string]string {
	return map[string]string{
		KeyHost: DefaultHost,
		KeyPort: DefaultPort,
	}
}

// Open loads path, or writes the defaults to it when it does not exist yet.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	s := &Store{path: path, values: Defaults()}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfigIO, path, err)
	}

	f, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfigIO, path, err)
	}
	sec, err := f.GetSection(Section)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: missing [%s] section", ErrConfigIO, path, Section)
	}
	for k, v := range sec.KeysHash() {
		s.values[k] = v
	}
	return s, nil
} // func Open

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// All returns a copy of every key in the section.
func (s *Store) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Get returns a single value.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[strings.ToLower(key)]
	return v, ok
}

// Address returns host:port of the player daemon.
func (s *Store) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return net.JoinHostPort(s.values[KeyHost], s.values[KeyPort])
}

// Password returns the MPD password, empty when none is configured.
func (s *Store) Password() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[KeyPassword]
}

// ApplyAndSave merges updates into the settings and rewrites the file.
// Keys are lower-cased; new keys are added and existing ones overwritten.
// When the result cannot be written, or would not read back unchanged
// (ErrUnrepresentable), the previous values are restored.
func (s *Store) ApplyAndSave(updates map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := make(map[string]string, len(s.values))
	for k, v := range s.values {
		prev[k] = v
	}

	for k, v := range updates {
		if k = NormalizeKey(k); k == "" {
			continue
		}
		s.values[k] = v
	}

	if err := s.saveLocked(); err != nil {
		s.values = prev
		return err
	}
	return nil
} // func (s *Store) ApplyAndSave

// NormalizeKey is the form a key is stored under: trimmed and lower-cased.
func NormalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

// Check reports whether updates can be stored without loss. It does not
// touch the store.
func Check(updates map[string]string) error {
	values := make(map[string]string, len(updates))
	for k, v := range updates {
		if k = NormalizeKey(k); k != "" {
			values[k] = v
		}
	}
	_, err := encode(values)
	return err
}

// encode renders values as a [SERVER] section and parses the result again;
// any key or value that does not come back unchanged is refused.
func encode(values map[string]string) ([]byte, error) {
	f := ini.Empty()
	sec, err := f.NewSection(Section)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigIO, err)
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := sec.NewKey(k, values[k]); err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrUnrepresentable, k, err)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrConfigIO, err)
	}

	back, err := ini.LoadSources(loadOptions, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrepresentable, err)
	}
	got, err := back.GetSection(Section)
	if err != nil {
		return nil, fmt.Errorf("%w: section lost", ErrUnrepresentable)
	}
	hash := got.KeysHash()
	if len(hash) != len(values) {
		return nil, fmt.Errorf("%w: %d of %d keys read back", ErrUnrepresentable, len(hash), len(values))
	}
	for k, v := range values {
		if r, ok := hash[k]; !ok || r != v {
			return nil, fmt.Errorf("%w: key %q", ErrUnrepresentable, k)
		}
	}
	return buf.Bytes(), nil
} // func encode

// saveLocked writes the full section to a temp file and renames it over the
// backing file. s.mu must be held.
func (s *Store) saveLocked() error {
	data, err := encode(s.values)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrConfigIO, s.path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write %s: %v", ErrConfigIO, s.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: write %s: %v", ErrConfigIO, s.path, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: chmod %s: %v", ErrConfigIO, tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename %s: %v", ErrConfigIO, s.path, err)
	}
	return nil
} // func (s *Store) saveLocked
