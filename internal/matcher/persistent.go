package matcher

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/google/renameio/v2"
)

const listFilePerm = 0o644

// PersistentMatcher is a SuffixMatcher bound to a flat text file, one
// domain per line. Mutations mark the matcher dirty; a periodic flusher
// calls Dump to persist the contents.
type PersistentMatcher struct {
	*SuffixMatcher

	path  string
	dirty atomic.Bool
}

func NewPersistentMatcher(path string) *PersistentMatcher {
	return &PersistentMatcher{
		SuffixMatcher: NewSuffixMatcher(),
		path:          path,
	}
}

// Path returns the backing file location.
func (m *PersistentMatcher) Path() string { return m.path }

// Dirty reports whether there are unsaved mutations.
func (m *PersistentMatcher) Dirty() bool { return m.dirty.Load() }

func (m *PersistentMatcher) Update(domains []string) {
	m.SuffixMatcher.Update(domains)
	m.dirty.Store(true)
}

func (m *PersistentMatcher) Add(domain string) {
	m.SuffixMatcher.Add(domain)
	m.dirty.Store(true)
}

func (m *PersistentMatcher) Remove(domain string) {
	m.SuffixMatcher.Remove(domain)
	m.dirty.Store(true)
}

// Load reads the backing file, skipping empty lines. A missing file is
// created empty so later dumps and watches have a target. Loading does
// not mark the matcher dirty.
func (m *PersistentMatcher) Load() error {
	f, err := os.Open(m.path)
	if os.IsNotExist(err) {
		m.SuffixMatcher.Update(nil)

		return os.WriteFile(m.path, nil, listFilePerm)
	}

	if err != nil {
		return fmt.Errorf("open domain list %s: %w", m.path, err)
	}

	defer func() { _ = f.Close() }()

	var domains []string

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			domains = append(domains, line)
		}
	}

	if err := sc.Err(); err != nil {
		return fmt.Errorf("read domain list %s: %w", m.path, err)
	}

	m.SuffixMatcher.Update(domains)
	m.dirty.Store(false)

	return nil
}

// Dump atomically replaces the backing file with the sorted contents.
// On write failure the dirty flag is restored so the next flush tick
// retries.
func (m *PersistentMatcher) Dump() error {
	m.dirty.Store(false)

	data := strings.Join(m.GetAll(), "\n")

	if err := renameio.WriteFile(m.path, []byte(data), listFilePerm); err != nil {
		m.dirty.Store(true)

		return fmt.Errorf("dump domain list %s: %w", m.path, err)
	}

	return nil
}
