package journal

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func appendN(t *testing.T, j *Journal, n int, status string) []Record {
	t.Helper()
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		rec, err := j.Append(Record{
			Phase:      "canary",
			Region:     "eu-west",
			Status:     status,
			Action:     "NONE",
			Reason:     "ok",
			ReasonCode: "OK",
		})
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestJournal_ChainLinksFromGenesis(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.jsonl"), testLogger())
	require.NoError(t, err)
	assert.Equal(t, Genesis, j.LastHash())

	recs := appendN(t, j, 3, "CONTINUE")
	assert.Equal(t, Genesis, recs[0].PrevHash)
	assert.Equal(t, recs[0].Hash, recs[1].PrevHash)
	assert.Equal(t, recs[1].Hash, recs[2].PrevHash)
	assert.Equal(t, recs[2].Hash, j.LastHash())
}

func TestJournal_ReopenRecoversTip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")

	j, err := Open(path, testLogger())
	require.NoError(t, err)
	recs := appendN(t, j, 2, "CONTINUE")

	reopened, err := Open(path, testLogger())
	require.NoError(t, err)
	assert.Equal(t, recs[1].Hash, reopened.LastHash())

	rec, err := reopened.Append(Record{Phase: "canary", Region: "eu-west", Status: "WARN", Action: "TUNE_DRY", ReasonCode: "NET_BPS_LOW"})
	require.NoError(t, err)
	assert.Equal(t, recs[1].Hash, rec.PrevHash)
}

func TestJournal_ConsecutiveFailsScopedAndReset(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.jsonl"), testLogger())
	require.NoError(t, err)

	write := func(phase, region, status string) {
		_, err := j.Append(Record{Phase: phase, Region: region, Status: status})
		require.NoError(t, err)
	}

	write("canary", "eu-west", "FAIL")
	write("canary", "eu-west", "FAIL")
	assert.Equal(t, 2, j.ConsecutiveFails("canary", "eu-west"))

	// Another scope's records do not interrupt the run.
	write("canary", "us-east", "CONTINUE")
	assert.Equal(t, 2, j.ConsecutiveFails("canary", "eu-west"))

	// A non-FAIL in scope resets the count.
	write("canary", "eu-west", "WARN")
	assert.Equal(t, 0, j.ConsecutiveFails("canary", "eu-west"))

	write("canary", "eu-west", "FAIL")
	assert.Equal(t, 1, j.ConsecutiveFails("canary", "eu-west"))
}

func TestJournal_ConsecutiveFailsSeededOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, testLogger())
	require.NoError(t, err)

	_, err = j.Append(Record{Phase: "canary", Region: "eu-west", Status: "CONTINUE"})
	require.NoError(t, err)
	appendN(t, j, 2, "FAIL")

	reopened, err := Open(path, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.ConsecutiveFails("canary", "eu-west"))

	_, err = reopened.Append(Record{Phase: "canary", Region: "eu-west", Status: "CONTINUE"})
	require.NoError(t, err)
	assert.Equal(t, 0, reopened.ConsecutiveFails("canary", "eu-west"))
}

func TestJournal_ConsecutiveFailsMissingFile(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.jsonl"), testLogger())
	require.NoError(t, err)
	assert.Zero(t, j.ConsecutiveFails("canary", "eu-west"))
}

func TestVerify_CleanChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, testLogger())
	require.NoError(t, err)
	appendN(t, j, 5, "CONTINUE")

	res, err := Verify(path)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 5, res.Checked)
	assert.Zero(t, res.Broken)
	assert.Zero(t, res.FirstBrokenLine)
}

func TestVerify_MissingJournalIsClean(t *testing.T) {
	res, err := Verify(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Zero(t, res.Checked)
}

func TestVerify_ByteFlipBreaksSuffix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, testLogger())
	require.NoError(t, err)
	appendN(t, j, 5, "CONTINUE")

	// Corrupt the region of the second record.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.Len(t, lines, 5)
	lines[1] = strings.Replace(lines[1], "eu-west", "eu-wast", 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	res, err := Verify(path)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 5, res.Checked)
	assert.Equal(t, 4, res.Broken, "the tampered record and everything after it")
	assert.Equal(t, 2, res.FirstBrokenLine)
}

func TestVerify_UnparseableLineBreaksSuffix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, testLogger())
	require.NoError(t, err)
	appendN(t, j, 2, "CONTINUE")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not-json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err := Verify(path)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 3, res.Checked)
	assert.Equal(t, 1, res.Broken)
	assert.Equal(t, 3, res.FirstBrokenLine)
}

func TestTail_LastNOldestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, testLogger())
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err := j.Append(Record{Phase: "canary", Region: "eu-west", Status: "CONTINUE", Reason: fmt.Sprintf("iter %d", i)})
		require.NoError(t, err)
	}

	recs, err := Tail(path, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "iter 4", recs[0].Reason)
	assert.Equal(t, "iter 5", recs[1].Reason)

	// n beyond the file returns everything.
	recs, err = Tail(path, 50)
	require.NoError(t, err)
	assert.Len(t, recs, 5)
}

func TestTail_MissingFileIsEmpty(t *testing.T) {
	recs, err := Tail(filepath.Join(t.TempDir(), "absent.jsonl"), 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestTail_CrossesChunkBoundary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, testLogger())
	require.NoError(t, err)

	// Pad records so the file is well past one read chunk.
	padding := strings.Repeat("x", 1024)
	total := tailChunkSize/1024 + 16
	for i := 1; i <= total; i++ {
		_, err := j.Append(Record{Phase: "canary", Region: "eu-west", Status: "CONTINUE", Reason: fmt.Sprintf("iter %d %s", i, padding)})
		require.NoError(t, err)
	}

	recs, err := Tail(path, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for k, rec := range recs {
		want := fmt.Sprintf("iter %d ", total-2+k)
		assert.True(t, strings.HasPrefix(rec.Reason, want), "record %d: got %.20q", k, rec.Reason)
	}
}

func TestJournal_CapsEchoedInHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, testLogger())
	require.NoError(t, err)

	_, err = j.Append(Record{
		Phase: "canary", Region: "eu-west", Status: "CONTINUE", ReasonCode: "OK",
		Caps: map[string]float64{"share": 0.05, "capital_usd": 500, "taker_ceiling": 0.15},
	})
	require.NoError(t, err)

	res, err := Verify(path)
	require.NoError(t, err)
	assert.True(t, res.OK)
}
