package tuning

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Proposal is one field adjustment suggested by a guard source for the
// current iteration. Priority ranks sources when two guards target the same
// field.
type Proposal struct {
	Field    string
	Value    float64
	Source   string
	Priority int
}

func makeDigest(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Fingerprint computes a deterministic signature of a delta set. Identical
// content yields the identical signature regardless of map iteration order:
// the mapping is canonicalized (sorted keys, fixed numeric formatting)
// before hashing.
func Fingerprint(delta map[string]float64) string {
	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, "v1")
	for _, k := range keys {
		parts = append(parts, k+"="+formatValue(delta[k]))
	}
	return makeDigest(parts...)
}

// FingerprintProposals signs the full incoming proposal set, including
// source and priority, so re-proposals of the same adjustments are detected
// before arbitration runs.
func FingerprintProposals(proposals []Proposal) string {
	sorted := make([]Proposal, len(proposals))
	copy(sorted, proposals)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Field != sorted[j].Field {
			return sorted[i].Field < sorted[j].Field
		}
		return sorted[i].Source < sorted[j].Source
	})

	parts := make([]string, 0, len(sorted)+1)
	parts = append(parts, "v1")
	for _, p := range sorted {
		parts = append(parts, p.Field+"="+formatValue(p.Value)+"@"+p.Source+"#"+strconv.Itoa(p.Priority))
	}
	return makeDigest(parts...)
}

// IsRepeat reports whether signature matches the last applied signature
// recorded in state. Pure: no side effects.
func IsRepeat(signature string, state State) bool {
	return signature != "" && signature == state.LastAppliedSignature
}
