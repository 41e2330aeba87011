// Package journal implements the append-only, hash-chained audit trail of
// safety decisions. Each record carries the sha256 of its own canonical JSON
// and the hash of its predecessor, so any in-place edit is detectable by
// replaying the chain.
package journal

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dk997467/dk997467-mm-bot-sub008/internal/artifact"
)

// Genesis is the prev_hash of the first record in a journal.
const Genesis = "GENESIS"

// Record is one audit entry. Caps echoes the phase limits in force when the
// decision was made.
type Record struct {
	Ts             string             `json:"ts"`
	Phase          string             `json:"phase"`
	Region         string             `json:"region"`
	Status         string             `json:"status"`
	Action         string             `json:"action"`
	Reason         string             `json:"reason"`
	ReasonCode     string             `json:"reason_code"`
	Recommendation string             `json:"recommendation"`
	Caps           map[string]float64 `json:"caps,omitempty"`
	PrevHash       string             `json:"prev_hash"`
	Hash           string             `json:"hash"`
}

// Journal appends hash-chained records to a JSONL file. Not safe for
// concurrent use; the soak loop is strictly sequential.
type Journal struct {
	path     string
	logger   *slog.Logger
	lastHash string
	fails    map[string]int
}

// Open attaches to the journal at path, recovering the chain tip and the
// per-scope trailing-FAIL counters from an existing file. The file is read
// once here; after that the journal never re-reads itself.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	j := &Journal{
		path:     path,
		logger:   logger.With("component", "journal"),
		lastHash: Genesis,
		fails:    make(map[string]int),
	}
	records, err := readAll(path)
	if err != nil {
		if os.IsNotExist(err) {
			return j, nil
		}
		return nil, fmt.Errorf("recover journal tip: %w", err)
	}
	for _, rec := range records {
		j.observe(rec)
	}
	if len(records) > 0 {
		j.lastHash = records[len(records)-1].Hash
		j.logger.Info("journal resumed", "path", path, "records", len(records))
	}
	return j, nil
}

// LastHash returns the hash of the most recent record, or GENESIS for an
// empty journal.
func (j *Journal) LastHash() string {
	return j.lastHash
}

// Append stamps, links, hashes and durably appends rec. The stored line is
// canonical JSON so the hash can be recomputed byte-for-byte on verify.
func (j *Journal) Append(rec Record) (Record, error) {
	if rec.Ts == "" {
		rec.Ts = time.Now().UTC().Format(time.RFC3339Nano)
	}
	rec.PrevHash = j.lastHash

	h, err := recordHash(rec)
	if err != nil {
		return Record{}, err
	}
	rec.Hash = h

	line, err := canonicalLine(rec)
	if err != nil {
		return Record{}, err
	}
	if err := artifact.AppendLine(j.path, line); err != nil {
		return Record{}, fmt.Errorf("append journal record: %w", err)
	}
	j.lastHash = rec.Hash
	j.observe(rec)
	return rec, nil
}

// observe maintains the per-scope trailing-FAIL counters: a FAIL extends the
// scope's run, anything else resets it. Records for other scopes are
// untouched.
func (j *Journal) observe(rec Record) {
	key := rec.Phase + "/" + rec.Region
	if rec.Status == "FAIL" {
		j.fails[key]++
	} else {
		j.fails[key] = 0
	}
}

// ConsecutiveFails reports the trailing run of FAIL records scoped to
// phase+region. The count is kept in memory and seeded at Open, so long runs
// never replay the file.
func (j *Journal) ConsecutiveFails(phase, region string) int {
	return j.fails[phase+"/"+region]
}

// Tail returns the last n records of the journal at path, oldest first. The
// file is scanned backwards from the end, so only the requested tail is read
// and parsed. A missing journal yields an empty slice.
func Tail(path string, n int) ([]Record, error) {
	if n <= 0 {
		return []Record{}, nil
	}
	lines, err := tailLines(path, n)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("read journal tail: %w", err)
	}
	out := make([]Record, 0, len(lines))
	for _, ln := range lines {
		var rec Record
		if err := json.Unmarshal(ln, &rec); err != nil {
			return nil, fmt.Errorf("parse journal tail: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// tailChunkSize is how much more of the file end is read per step while
// looking for enough complete lines.
const tailChunkSize = 64 * 1024

var newline = []byte{'\n'}

// tailLines reads at most n whole lines off the end of the file, oldest
// first, growing the window one chunk at a time from the back.
func tailLines(path string, n int) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var buf []byte
	off := st.Size()
	for off > 0 && bytes.Count(buf, newline) <= n {
		chunk := int64(tailChunkSize)
		if off < chunk {
			chunk = off
		}
		off -= chunk
		head := make([]byte, chunk)
		if _, err := f.ReadAt(head, off); err != nil {
			return nil, err
		}
		buf = append(head, buf...)
	}

	lines := bytes.Split(buf, newline)
	if off > 0 {
		// The window may start mid-line; drop the partial segment.
		lines = lines[1:]
	}
	out := make([][]byte, 0, n)
	for _, ln := range lines {
		if len(ln) > 0 {
			out = append(out, ln)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// recordHash computes the sha256 of the record's canonical JSON with the
// hash field excluded. The record is round-tripped through a map so key
// ordering is the sorted order encoding/json gives maps, independent of
// struct layout.
func recordHash(rec Record) (string, error) {
	m, err := recordMap(rec)
	if err != nil {
		return "", err
	}
	return hashMap(m)
}

// hashMap hashes the canonical JSON of m with the hash field excluded. The
// map it receives is modified.
func hashMap(m map[string]any) (string, error) {
	delete(m, "hash")
	b, err := artifact.CanonicalJSON(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalLine(rec Record) ([]byte, error) {
	m, err := recordMap(rec)
	if err != nil {
		return nil, err
	}
	return artifact.CanonicalJSON(m)
}

func recordMap(rec Record) (map[string]any, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal journal record: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("canonicalize journal record: %w", err)
	}
	return m, nil
}

func readAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("parse journal line %d: %w", len(out)+1, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
