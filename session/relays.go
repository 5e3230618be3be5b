// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package session

import (
	"strings"
	"sync"
)

// RelaySet is the rotating list of known relay URLs.
type RelaySet struct {
	mu        sync.Mutex
	urls      []string
	idx       int
	rotations int
}

// NewRelaySet returns a set over urls, dropping blanks and duplicates.
func NewRelaySet(urls []string) *RelaySet {
	return &RelaySet{urls: normalize(urls)}
}

// Current returns the active relay, empty when the set is empty.
func (r *RelaySet) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.urls) == 0 {
		return ""
	}
	return r.urls[r.idx]
}

// Rotate moves to the next relay. exhausted is true once every known relay
// has been rotated away from since the last Replace or Reset.
func (r *RelaySet) Rotate() (next string, exhausted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.urls) == 0 {
		return "", true
	}
	r.idx = (r.idx + 1) % len(r.urls)
	r.rotations++
	return r.urls[r.idx], r.rotations >= len(r.urls)
}

// Reset clears the rotation count after a relay served a full session.
func (r *RelaySet) Reset() {
	r.mu.Lock()
	r.rotations = 0
	r.mu.Unlock()
}

// Replace installs a fresh list. The active relay stays active when it is
// still listed.
func (r *RelaySet) Replace(urls []string) {
	urls = normalize(urls)
	r.mu.Lock()
	defer r.mu.Unlock()
	current := ""
	if len(r.urls) > 0 {
		current = r.urls[r.idx]
	}
	r.urls = urls
	r.idx = 0
	r.rotations = 0
	for i, u := range urls {
		if u == current {
			r.idx = i
			break
		}
	}
}

// URLs returns a copy of the list.
func (r *RelaySet) URLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}

// Len returns the number of known relays.
func (r *RelaySet) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.urls)
}

func normalize(urls []string) []string {
	out := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
