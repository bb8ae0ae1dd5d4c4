// Package ledger tracks document numbers accepted by the remote accounting
// service, one JSON file per company. The ledger is the first dedup layer:
// anything present here is skipped before any remote query runs.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// fileDoc is the on-disk shape of the ledger file.
type fileDoc struct {
	DocNumbers  []string `json:"docnumbers"`
	LastUpdated string   `json:"last_updated"`
}

// Ledger is a persistent set of uploaded document numbers. Writes are
// serialized; reads tolerate a concurrent atomic-rename write.
type Ledger struct {
	path string

	mu   sync.Mutex
	docs map[string]struct{}
}

// Open loads the ledger at path. A missing file yields an empty ledger.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path, docs: make(map[string]struct{})}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger %s: %w", path, err)
	}

	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse ledger %s: %w", path, err)
	}
	for _, dn := range doc.DocNumbers {
		l.docs[dn] = struct{}{}
	}
	return l, nil
}

// Contains reports whether docNumber is recorded as uploaded.
func (l *Ledger) Contains(docNumber string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.docs[docNumber]
	return ok
}

// Len returns the number of recorded document numbers.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.docs)
}

// All returns the recorded document numbers in sorted order.
func (l *Ledger) All() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedLocked()
}

// Add records docNumber and persists the ledger. Adding an existing number
// is a no-op write.
func (l *Ledger) Add(docNumber string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.docs[docNumber]; ok {
		return nil
	}
	l.docs[docNumber] = struct{}{}
	return l.saveLocked()
}

// HealStale removes entries absent from a freshly queried remote snapshot.
// Entries not in remoteDocs were never accepted remotely (or were deleted);
// dropping them lets the next upload retry them. Returns the removed set.
func (l *Ledger) HealStale(remoteDocs map[string]struct{}) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed []string
	for dn := range l.docs {
		if _, ok := remoteDocs[dn]; !ok {
			removed = append(removed, dn)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}

	for _, dn := range removed {
		delete(l.docs, dn)
	}
	sort.Strings(removed)

	if err := l.saveLocked(); err != nil {
		return nil, err
	}
	return removed, nil
}

// saveLocked writes the ledger atomically: temp file in the same directory,
// then rename over the target. Callers hold l.mu.
func (l *Ledger) saveLocked() error {
	doc := fileDoc{
		DocNumbers:  l.sortedLocked(),
		LastUpdated: time.Now().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create ledger directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".ledger-*.json")
	if err != nil {
		return fmt.Errorf("failed to create ledger temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write ledger temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close ledger temp file: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace ledger %s: %w", l.path, err)
	}
	return nil
}

func (l *Ledger) sortedLocked() []string {
	out := make([]string, 0, len(l.docs))
	for dn := range l.docs {
		out = append(out, dn)
	}
	sort.Strings(out)
	return out
}
