// Package snapshot holds the persisted browser session state: cookies plus
// per-origin local storage, in the storage-state JSON layout that Playwright
// and most browser tooling read and write.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store persists and restores a snapshot. Load never fails hard: an absent or
// unreadable snapshot is reported as (nil, false).
type Store interface {
	Load(ctx context.Context) (*Snapshot, bool)
	Save(ctx context.Context, snap *Snapshot) error
}

// Cookie mirrors a browser cookie. Expires is seconds since the epoch, -1 for
// session cookies.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Key identifies a cookie slot. Two cookies with the same key cannot coexist.
type Key struct {
	Name   string
	Domain string
	Path   string
}

// Key returns the identity of c, with the domain lowercased and an empty path
// treated as "/".
func (c Cookie) Key() Key {
	path := c.Path
	if path == "" {
		path = "/"
	}
	return Key{Name: c.Name, Domain: strings.ToLower(c.Domain), Path: path}
}

// StorageEntry is one localStorage item.
type StorageEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Origin groups the localStorage of one scheme://host[:port].
type Origin struct {
	Origin       string         `json:"origin"`
	LocalStorage []StorageEntry `json:"localStorage"`
}

// Snapshot is a complete session state.
type Snapshot struct {
	Cookies []Cookie `json:"cookies"`
	Origins []Origin `json:"origins"`
}

// Empty reports whether the snapshot carries no state at all.
func (s *Snapshot) Empty() bool {
	return s == nil || (len(s.Cookies) == 0 && len(s.Origins) == 0)
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		Cookies: append([]Cookie(nil), s.Cookies...),
		Origins: make([]Origin, len(s.Origins)),
	}
	for i, o := range s.Origins {
		out.Origins[i] = Origin{
			Origin:       o.Origin,
			LocalStorage: mergeEntries(nil, o.LocalStorage),
		}
	}
	return out
}

// Merge folds other into s. Cookies and origins already present are replaced
// in place; new ones are appended in the order they appear in other.
func (s *Snapshot) Merge(other *Snapshot) {
	if other == nil {
		return
	}
	s.Cookies = MergeCookies(s.Cookies, other.Cookies)
	s.Origins = MergeOrigins(s.Origins, other.Origins)
}

// MergeCookies applies updates on top of base, keyed by name, domain and path.
// The result never holds two cookies with the same key; the last write wins.
func MergeCookies(base, updates []Cookie) []Cookie {
	out := make([]Cookie, 0, len(base)+len(updates))
	index := make(map[Key]int, len(base)+len(updates))
	put := func(c Cookie) {
		k := c.Key()
		if i, ok := index[k]; ok {
			out[i] = c
			return
		}
		index[k] = len(out)
		out = append(out, c)
	}
	for _, c := range base {
		put(c)
	}
	for _, c := range updates {
		put(c)
	}
	return out
}

// MergeOrigins applies updates on top of base per origin, merging the
// localStorage items of matching origins by name.
func MergeOrigins(base, updates []Origin) []Origin {
	out := make([]Origin, 0, len(base)+len(updates))
	index := make(map[string]int, len(base)+len(updates))
	for _, o := range append(append([]Origin(nil), base...), updates...) {
		i, ok := index[o.Origin]
		if !ok {
			index[o.Origin] = len(out)
			out = append(out, Origin{Origin: o.Origin, LocalStorage: mergeEntries(nil, o.LocalStorage)})
			continue
		}
		out[i].LocalStorage = mergeEntries(out[i].LocalStorage, o.LocalStorage)
	}
	return out
}

// mergeEntries keeps a null localStorage null, so an unchanged document
// encodes to the same bytes.
func mergeEntries(base, updates []StorageEntry) []StorageEntry {
	if base == nil && updates == nil {
		return nil
	}
	out := append(make([]StorageEntry, 0, len(base)+len(updates)), base...)
	index := make(map[string]int, len(out))
	for i, e := range out {
		index[e.Name] = i
	}
	for _, e := range updates {
		if i, ok := index[e.Name]; ok {
			out[i] = e
			continue
		}
		index[e.Name] = len(out)
		out = append(out, e)
	}
	return out
}

// Encode renders s in the storage-state layout.
func Encode(s *Snapshot) ([]byte, error) {
	if s == nil {
		s = &Snapshot{}
	}
	norm := Snapshot{Cookies: s.Cookies, Origins: s.Origins}
	if norm.Cookies == nil {
		norm.Cookies = []Cookie{}
	}
	if norm.Origins == nil {
		norm.Origins = []Origin{}
	}
	return json.MarshalIndent(norm, "", "  ")
}

// Decode parses a storage-state document. A bare JSON array of cookies, as
// written by older cookie exporters, is accepted too. Duplicate cookies collapse
// with the later entry winning.
func Decode(data []byte) (*Snapshot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty snapshot document")
	}

	var snap Snapshot
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &snap.Cookies); err != nil {
			return nil, fmt.Errorf("decoding legacy cookie list: %w", err)
		}
	} else if err := json.Unmarshal(trimmed, &snap); err != nil {
		return nil, fmt.Errorf("decoding storage state: %w", err)
	}

	snap.Cookies = MergeCookies(nil, snap.Cookies)
	snap.Origins = MergeOrigins(nil, snap.Origins)
	return &snap, nil
}
