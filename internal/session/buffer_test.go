package session

import (
	"fmt"
	"testing"
)

func TestReplayBuffer_SequenceAndOrder(t *testing.T) {
	t.Parallel()

	buf := newReplayBuffer(10)
	for i := 0; i < 5; i++ {
		seq := buf.Append([]byte(fmt.Sprintf("m%d", i)))
		if seq != uint64(i+1) {
			t.Fatalf("seq = %d, want %d", seq, i+1)
		}
	}

	snap := buf.Snapshot()
	if len(snap) != 5 {
		t.Fatalf("snapshot length = %d, want 5", len(snap))
	}
	for i, msg := range snap {
		if string(msg.Data) != fmt.Sprintf("m%d", i) {
			t.Fatalf("snapshot[%d] = %q, want m%d", i, msg.Data, i)
		}
		if i > 0 && msg.SeqNum != snap[i-1].SeqNum+1 {
			t.Fatalf("sequence gap at index %d", i)
		}
	}
}

func TestReplayBuffer_EvictsOldest(t *testing.T) {
	t.Parallel()

	buf := newReplayBuffer(3)
	for i := 0; i < 5; i++ {
		buf.Append([]byte(fmt.Sprintf("m%d", i)))
	}

	if buf.Len() != 3 {
		t.Fatalf("length = %d, want 3", buf.Len())
	}
	snap := buf.Snapshot()
	if string(snap[0].Data) != "m2" {
		t.Fatalf("oldest surviving message = %q, want m2", snap[0].Data)
	}
	if snap[0].SeqNum != 3 {
		t.Fatalf("oldest surviving seq = %d, want 3", snap[0].SeqNum)
	}
	if string(snap[2].Data) != "m4" {
		t.Fatalf("newest message = %q, want m4", snap[2].Data)
	}
}

func TestReplayBuffer_SnapshotIsCopy(t *testing.T) {
	t.Parallel()

	buf := newReplayBuffer(10)
	buf.Append([]byte("a"))

	snap := buf.Snapshot()
	buf.Append([]byte("b"))

	if len(snap) != 1 {
		t.Fatalf("snapshot mutated by later append: length = %d", len(snap))
	}
}
