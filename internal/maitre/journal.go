package maitre

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	journalMaxEntries = 10_000
	// On overflow the oldest entries go first, but the newest 20% always
	// survive the trim.
	journalKeepRatio = 0.20

	recallThreshold = 0.6
	recallHalfLife  = 3.0 // age decay constant in days
)

// journalEntry records one classification success.
type journalEntry struct {
	QueryHash string    `json:"query_hash"`
	Query     string    `json:"query"`
	Server    string    `json:"server"`
	At        time.Time `json:"at"`
}

// Journal is the JSON-file-backed learning store. Multiple processes may
// share the file; writes take an advisory lock file next to it.
type Journal struct {
	path string

	mu      sync.Mutex
	entries []journalEntry

	now func() time.Time
}

// NewJournal loads the journal at path, tolerating a missing or corrupt
// file (a corrupt journal is discarded, not fatal).
func NewJournal(path string) *Journal {
	j := &Journal{path: path, now: time.Now}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &j.entries); err != nil {
			log.Printf("[Maitre] WARNING: discarding corrupt journal %s: %v", path, err)
			j.entries = nil
		}
	}
	return j
}

// RecordSuccess appends a (query, winning server) observation and persists.
func (j *Journal) RecordSuccess(query, server string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = append(j.entries, journalEntry{
		QueryHash: hashQuery(query),
		Query:     normalize(query),
		Server:    server,
		At:        j.now(),
	})
	if len(j.entries) > journalMaxEntries {
		keep := int(float64(journalMaxEntries) * journalKeepRatio)
		j.entries = append([]journalEntry(nil), j.entries[len(j.entries)-keep:]...)
	}
	return j.persistLocked()
}

// persistLocked writes the journal under the advisory lock. Lock contention
// is rare and brief, so a short spin with backoff is enough.
func (j *Journal) persistLocked() error {
	lockPath := j.path + ".lock"
	var acquired bool
	for i := 0; i < 50; i++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			acquired = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !acquired {
		return fmt.Errorf("maitre: journal lock %s held too long", lockPath)
	}
	defer os.Remove(lockPath)

	data, err := json.Marshal(j.entries)
	if err != nil {
		return err
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, j.path)
}

// Recall scores past queries against the current one and returns servers
// whose best score clears the threshold, strongest first.
func (j *Journal) Recall(query string) []string {
	j.mu.Lock()
	entries := j.entries
	j.mu.Unlock()

	queryWords := wordSet(query)
	if len(queryWords) == 0 {
		return nil
	}

	best := map[string]float64{}
	now := j.now()
	for _, e := range entries {
		s := scoreEntry(queryWords, normalize(query), e, now)
		if s > best[e.Server] {
			best[e.Server] = s
		}
	}

	type scored struct {
		server string
		score  float64
	}
	var hits []scored
	for server, s := range best {
		if s >= recallThreshold {
			hits = append(hits, scored{server, s})
		}
	}
	sort.Slice(hits, func(a, b int) bool { return hits[a].score > hits[b].score })

	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.server)
	}
	return out
}

// Len returns the number of stored observations.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// scoreEntry implements the recall score:
//
//	(keyword_overlap + coverage_ratio + 0.4*fuzzy_ratio) * exp(-age_days/3)
func scoreEntry(queryWords map[string]bool, query string, e journalEntry, now time.Time) float64 {
	pastWords := wordSet(e.Query)
	if len(pastWords) == 0 {
		return 0
	}

	common := 0
	union := len(queryWords)
	for w := range pastWords {
		if queryWords[w] {
			common++
		} else {
			union++
		}
	}
	overlap := float64(common) / float64(union)
	coverage := float64(common) / float64(len(queryWords))
	fuzzy := diceBigram(query, e.Query)

	ageDays := now.Sub(e.At).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return (overlap + coverage + 0.4*fuzzy) * math.Exp(-ageDays/recallHalfLife)
}

func wordSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(normalize(s)) {
		out[w] = true
	}
	return out
}

// diceBigram is the Dice coefficient over character bigrams, a cheap
// order-insensitive fuzzy similarity in [0,1].
func diceBigram(a, b string) float64 {
	if a == b {
		return 1
	}
	ab, bb := bigrams(a), bigrams(b)
	if len(ab) == 0 || len(bb) == 0 {
		return 0
	}
	common := 0
	for g, n := range ab {
		if m, ok := bb[g]; ok {
			common += min(n, m)
		}
	}
	total := 0
	for _, n := range ab {
		total += n
	}
	for _, n := range bb {
		total += n
	}
	return 2 * float64(common) / float64(total)
}

func bigrams(s string) map[string]int {
	out := map[string]int{}
	runes := []rune(s)
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])]++
	}
	return out
}

func hashQuery(q string) string {
	sum := sha256.Sum256([]byte(normalize(q)))
	return hex.EncodeToString(sum[:8])
}
