package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult summarizes a chain replay. Once a record fails its self-hash
// or its linkage to the predecessor, it and every later record count as
// broken: nothing after a break can be trusted.
type VerifyResult struct {
	OK              bool `json:"ok"`
	Checked         int  `json:"checked"`
	Broken          int  `json:"broken"`
	FirstBrokenLine int  `json:"first_broken_lineno"`
}

// Verify replays the journal from GENESIS, recomputing every hash and
// checking every prev_hash link. A missing journal verifies clean with zero
// records. Unparseable lines count as broken at that line.
func Verify(path string) (VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return VerifyResult{OK: true}, nil
		}
		return VerifyResult{}, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	res := VerifyResult{OK: true}
	prev := Genesis
	lineno := 0

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		lineno++
		res.Checked++

		if res.FirstBrokenLine != 0 {
			res.Broken++
			continue
		}

		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			res.markBroken(lineno)
			continue
		}
		claimed, _ := m["hash"].(string)
		claimedPrev, _ := m["prev_hash"].(string)

		expected, err := hashMap(m)
		if err != nil {
			return VerifyResult{}, err
		}
		if claimed != expected || claimedPrev != prev {
			res.markBroken(lineno)
			continue
		}
		prev = claimed
	}
	if err := sc.Err(); err != nil {
		return VerifyResult{}, fmt.Errorf("scan journal: %w", err)
	}
	return res, nil
}

func (r *VerifyResult) markBroken(lineno int) {
	r.OK = false
	r.FirstBrokenLine = lineno
	r.Broken++
}
