package pty

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBuffer_SequenceStartsAtOneAndIncreases(t *testing.T) {
	rb := NewRingBuffer(1024)
	require.Equal(t, uint64(0), rb.CurrentSeq())

	var prev uint64
	for i := 0; i < 50; i++ {
		seq := rb.Append("x")
		if i == 0 {
			require.Equal(t, uint64(1), seq)
		}
		require.Greater(t, seq, prev)
		prev = seq
	}
	assert.Equal(t, uint64(50), rb.CurrentSeq())
}

func TestRingBuffer_EvictsOldestWholeEntries(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Append("aaaa") // 1
	rb.Append("bbbb") // 2
	rb.Append("cccc") // 3, total 12 > 10 evicts 1

	assert.Equal(t, 2, rb.Len())
	assert.Equal(t, 8, rb.Chars())
	assert.Equal(t, uint64(2), rb.OldestSeq())

	got := rb.ReplaySince(0)
	require.Len(t, got, 2)
	assert.Equal(t, Entry{Seq: 2, Data: "bbbb"}, got[0])
	assert.Equal(t, Entry{Seq: 3, Data: "cccc"}, got[1])
}

func TestRingBuffer_NeverExceedsBudget(t *testing.T) {
	rb := NewRingBuffer(100)
	for i := 1; i <= 500; i++ {
		rb.Append(strings.Repeat("z", i%37+1))
		require.LessOrEqual(t, rb.Chars(), 100)

		retained := rb.ReplaySince(0)
		require.NotEmpty(t, retained)
		// Retained entries are contiguous and end at the newest seq.
		for j := 1; j < len(retained); j++ {
			require.Equal(t, retained[j-1].Seq+1, retained[j].Seq)
		}
		require.Equal(t, rb.CurrentSeq(), retained[len(retained)-1].Seq)
	}
}

func TestRingBuffer_OversizedChunkIsNotRetained(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Append("ok")
	seq := rb.Append(strings.Repeat("x", 9))

	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, 0, rb.Len())
	assert.Equal(t, 0, rb.Chars())
	assert.Nil(t, rb.ReplaySince(0))

	rb.Append("next")
	got := rb.ReplaySince(0)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].Seq)
}

func TestRingBuffer_ReplaySince(t *testing.T) {
	rb := NewRingBuffer(1024)
	for _, s := range []string{"one", "two", "three", "four", "five"} {
		rb.Append(s)
	}

	tests := []struct {
		name    string
		lastSeq uint64
		want    []uint64
	}{
		{name: "from zero", lastSeq: 0, want: []uint64{1, 2, 3, 4, 5}},
		{name: "middle", lastSeq: 3, want: []uint64{4, 5}},
		{name: "up to date", lastSeq: 5, want: []uint64{}},
		{name: "ahead of producer", lastSeq: 99, want: []uint64{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, seqs(rb.ReplaySince(tc.lastSeq)))
		})
	}
}

func TestRingBuffer_ReplayBeforeOldestReturnsRetainedSuffix(t *testing.T) {
	rb := NewRingBuffer(6)
	for i := 0; i < 6; i++ {
		rb.Append("ab") // seq 1..6, only 4..6 fit
	}
	assert.Equal(t, []uint64{4, 5, 6}, seqs(rb.ReplaySince(1)))
	assert.Equal(t, []uint64{5, 6}, seqs(rb.ReplaySince(4)))
}

func TestRingBuffer_CountsCharactersNotBytes(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Append("héé") // 3 characters, 5 bytes
	assert.Equal(t, 3, rb.Chars())
	assert.Equal(t, 1, rb.Len())
}

func TestRingBuffer_CompactionKeepsOrder(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 1000; i++ {
		rb.Append("q")
	}
	assert.Equal(t, []uint64{998, 999, 1000}, seqs(rb.ReplaySince(0)))
	assert.LessOrEqual(t, len(rb.entries), 8)
}

func TestNewRingBuffer_DefaultBudget(t *testing.T) {
	rb := NewRingBuffer(0)
	assert.Equal(t, DefaultBufferChars, rb.maxChars)
}
