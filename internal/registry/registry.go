// Package registry maintains the read-only view of authenticated AI Studio
// identities discovered on disk. Identity files are snapshots of a browser
// session (cookies, origin storage) written by the capture sub-feature; the
// core only scans, validates, and lists them.
package registry

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

var identityFilePattern = regexp.MustCompile(`^auth-(\d+)\.[A-Za-z0-9]+$`)

// Identity is a persisted snapshot of an authenticated browser session.
type Identity struct {
	// Index is the non-negative integer parsed from the file name. Indices
	// form a sparse set.
	Index int `json:"index"`
	// Name is the display name, read from the file's accountName field when
	// present, otherwise derived from the file name.
	Name string `json:"name"`
	// Path is the backing file.
	Path string `json:"path"`
	// Valid reports whether the file parsed as a structured session document.
	Valid bool `json:"valid"`
}

// Registry scans a directory for identity files and serves an ordered
// snapshot of the valid set. Reload is cheap and safe to call concurrently.
type Registry struct {
	dir string

	mu             sync.RWMutex
	valid          []Identity
	initialIndices []int
}

// NewRegistry creates a registry over dir and performs the initial scan.
func NewRegistry(dir string) *Registry {
	r := &Registry{dir: dir}
	r.Reload()
	return r
}

// Dir returns the scanned directory.
func (r *Registry) Dir() string { return r.dir }

// Reload rescans the directory. Invalid files are excluded from the valid
// set but kept in the initial index list for reporting.
func (r *Registry) Reload() {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		log.Warnf("registry: scan %s failed: %v", r.dir, err)
		r.mu.Lock()
		r.valid = nil
		r.initialIndices = nil
		r.mu.Unlock()
		return
	}

	var valid []Identity
	var all []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := identityFilePattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		index, errAtoi := strconv.Atoi(matches[1])
		if errAtoi != nil || index < 0 {
			continue
		}
		all = append(all, index)
		identity := Identity{
			Index: index,
			Name:  "auth-" + matches[1],
			Path:  filepath.Join(r.dir, entry.Name()),
		}
		if name, ok := validateIdentityFile(identity.Path); ok {
			identity.Valid = true
			if name != "" {
				identity.Name = name
			}
			valid = append(valid, identity)
		} else {
			log.Warnf("registry: identity file %s failed validation", entry.Name())
		}
	}

	sort.Slice(valid, func(i, j int) bool { return valid[i].Index < valid[j].Index })
	sort.Ints(all)

	r.mu.Lock()
	r.valid = valid
	r.initialIndices = all
	r.mu.Unlock()
}

// validateIdentityFile checks that the file is a parseable structured session
// document and extracts the optional account display name.
func validateIdentityFile(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return "", false
	}
	cookies := root.Get("cookies")
	origins := root.Get("origins")
	if !cookies.IsArray() && !origins.IsArray() {
		return "", false
	}
	return root.Get("accountName").String(), true
}

// Identities returns the valid identities in ascending index order.
func (r *Registry) Identities() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Identity, len(r.valid))
	copy(out, r.valid)
	return out
}

// InitialIndices returns every index found on disk, valid or not.
func (r *Registry) InitialIndices() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, len(r.initialIndices))
	copy(out, r.initialIndices)
	return out
}

// Lookup returns the valid identity with the given index.
func (r *Registry) Lookup(index int) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, identity := range r.valid {
		if identity.Index == index {
			return identity, true
		}
	}
	return Identity{}, false
}

// First returns the lowest-index valid identity.
func (r *Registry) First() (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.valid) == 0 {
		return Identity{}, false
	}
	return r.valid[0], true
}

// Next returns the successor of index in sorted order, wrapping around. When
// index is no longer present the cursor snaps to the first valid index >=
// index, wrapping to the lowest when none remains above it.
func (r *Registry) Next(index int) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.valid) == 0 {
		return Identity{}, false
	}
	for _, identity := range r.valid {
		if identity.Index > index {
			return identity, true
		}
	}
	return r.valid[0], true
}

// AtOrAfter returns the first valid identity with Index >= index, wrapping
// to the lowest valid index when none qualifies.
func (r *Registry) AtOrAfter(index int) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.valid) == 0 {
		return Identity{}, false
	}
	for _, identity := range r.valid {
		if identity.Index >= index {
			return identity, true
		}
	}
	return r.valid[0], true
}

// Count returns the number of valid identities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.valid)
}
