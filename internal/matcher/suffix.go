package matcher

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// SuffixMatcher answers "is this domain covered by any suffix in the
// set" with binary searches over sorted reversed domains. Each entry is
// stored reversed with a trailing label separator, so every dot-boundary
// suffix of a query is a prefix of its reversed key and is looked up
// exactly: "example.com" covers "a.example.com" but not "notexample.com".
type SuffixMatcher struct {
	mu sync.RWMutex
	// reversed suffixes, each terminated with '.', strictly sorted,
	// deduplicated, no empty entries
	keys []string
}

func NewSuffixMatcher() *SuffixMatcher {
	return &SuffixMatcher{}
}

func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}

	return string(b)
}

func toKey(domain string) string {
	return reverse(strings.ToLower(strings.TrimSpace(domain))) + "."
}

func fromKey(key string) string {
	return reverse(strings.TrimSuffix(key, "."))
}

// Update replaces the contents atomically. Empty entries are dropped;
// the rest are sorted and deduplicated.
func (m *SuffixMatcher) Update(domains []string) {
	keys := make([]string, 0, len(domains))

	for _, d := range domains {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}

		keys = append(keys, toKey(d))
	}

	sort.Strings(keys)
	keys = dedupSorted(keys)

	m.mu.Lock()
	m.keys = keys
	m.mu.Unlock()
}

func dedupSorted(keys []string) []string {
	out := keys[:0]

	for i, k := range keys {
		if i == 0 || keys[i-1] != k {
			out = append(out, k)
		}
	}

	return out
}

// Match reports whether the domain equals a stored suffix or ends with
// "." + suffix. The resolved ips are ignored.
func (m *SuffixMatcher) Match(_ context.Context, domain string, _ []string) bool {
	key := toKey(domain)

	m.mu.RLock()
	defer m.mu.RUnlock()

	// each prefix of key ending in '.' is one dot-boundary suffix of the
	// domain; other entries sorting in between cannot shadow it
	for i := range len(key) {
		if key[i] != '.' {
			continue
		}

		j := sort.SearchStrings(m.keys, key[:i+1])
		if j < len(m.keys) && m.keys[j] == key[:i+1] {
			return true
		}
	}

	return false
}

// Add inserts one domain; inserting a present domain is a no-op.
func (m *SuffixMatcher) Add(domain string) {
	if strings.TrimSpace(domain) == "" {
		return
	}

	key := toKey(domain)

	m.mu.Lock()
	defer m.mu.Unlock()

	i := sort.SearchStrings(m.keys, key)
	if i < len(m.keys) && m.keys[i] == key {
		return
	}

	m.keys = append(m.keys, "")
	copy(m.keys[i+1:], m.keys[i:])
	m.keys[i] = key
}

// Remove deletes one domain; removing an absent domain is a no-op.
func (m *SuffixMatcher) Remove(domain string) {
	key := toKey(domain)

	m.mu.Lock()
	defer m.mu.Unlock()

	i := sort.SearchStrings(m.keys, key)
	if i >= len(m.keys) || m.keys[i] != key {
		return
	}

	m.keys = append(m.keys[:i], m.keys[i+1:]...)
}

// GetAll returns the un-reversed contents in ascending order.
func (m *SuffixMatcher) GetAll() []string {
	m.mu.RLock()
	keys := make([]string, len(m.keys))
	copy(keys, m.keys)
	m.mu.RUnlock()

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fromKey(k))
	}

	sort.Strings(out)

	return out
}

// Len reports the number of stored suffixes.
func (m *SuffixMatcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.keys)
}
