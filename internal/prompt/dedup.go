// Package prompt assembles the layered system prompt: fragment discovery
// with content de-duplication, frontmatter rule filtering, priority-based
// size enforcement, and mode-keyword detection.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sort"
)

// DedupEntry is one retained prompt fragment.
type DedupEntry struct {
	Path     string
	RealPath string
	Content  string
	Distance int
	Hash     string
}

// Deduplicator collapses prompt fragments by content digest and resolved
// file identity. Two views of the same file (symlink, duplicate discovery
// path) keep only the instance with the smallest distance.
type Deduplicator struct {
	entries map[string]*DedupEntry // content hash prefix -> entry
}

// NewDeduplicator creates an empty deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{entries: make(map[string]*DedupEntry)}
}

// contentHash returns the first 16 hex characters of the SHA-256 digest.
func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// Add records a fragment and reports whether its content is new. Symlinks
// are resolved so the same file discovered under two paths collapses to one
// entry; hash collisions keep the entry with the smallest distance.
func (d *Deduplicator) Add(path, content string, distance int) bool {
	hash := contentHash(content)

	realPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		realPath = path
	}

	if existing, ok := d.entries[hash]; ok {
		if distance < existing.Distance {
			d.entries[hash] = &DedupEntry{
				Path:     path,
				RealPath: realPath,
				Content:  content,
				Distance: distance,
				Hash:     hash,
			}
		}
		return false
	}

	// Same file with changed content: keep whichever discovery is closest.
	for h, existing := range d.entries {
		if existing.RealPath != realPath {
			continue
		}
		if existing.Distance > distance {
			delete(d.entries, h)
			d.entries[hash] = &DedupEntry{
				Path:     path,
				RealPath: realPath,
				Content:  content,
				Distance: distance,
				Hash:     hash,
			}
		}
		return false
	}

	d.entries[hash] = &DedupEntry{
		Path:     path,
		RealPath: realPath,
		Content:  content,
		Distance: distance,
		Hash:     hash,
	}
	return true
}

// Entries returns the retained fragments sorted by ascending distance.
// Ties break on path so the output is deterministic.
func (d *Deduplicator) Entries() []*DedupEntry {
	entries := make([]*DedupEntry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Distance != entries[j].Distance {
			return entries[i].Distance < entries[j].Distance
		}
		return entries[i].Path < entries[j].Path
	})
	return entries
}

// Len returns the number of retained fragments.
func (d *Deduplicator) Len() int {
	return len(d.entries)
}
