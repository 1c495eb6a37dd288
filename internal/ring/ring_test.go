package ring

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	b := New(16)
	data := []byte("hello ring")
	if n := b.Write(data); n != len(data) {
		t.Fatalf("Write returned %d, want %d", n, len(data))
	}

	got := make([]byte, len(data))
	if n := b.Read(got); n != len(data) {
		t.Fatalf("Read returned %d, want %d", n, len(data))
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestFillAndFreeInvariant(t *testing.T) {
	b := New(8)
	if got := b.Fill(); got != 0 {
		t.Fatalf("initial Fill = %d, want 0", got)
	}
	if got := b.Free(); got != 8 {
		t.Fatalf("initial Free = %d, want 8", got)
	}

	b.Write([]byte{1, 2, 3})
	if got := b.Fill(); got != 3 {
		t.Fatalf("Fill = %d, want 3", got)
	}
	if got := b.Free(); got != 5 {
		t.Fatalf("Free = %d, want 5", got)
	}
	if b.Fill()+b.Free() != b.Capacity() {
		t.Fatalf("fill + free != capacity")
	}
}

func TestOverflowDropsExcessRatherThanOverwriting(t *testing.T) {
	b := New(4)
	n := b.Write([]byte{1, 2, 3, 4, 5, 6})
	if n != 4 {
		t.Fatalf("Write returned %d, want capacity-bounded 4", n)
	}

	got := make([]byte, 4)
	b.Read(got)
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("got %v, want original bytes preserved, not overwritten", got)
	}
}

func TestReadOrSilenceZeroFillsUnderrun(t *testing.T) {
	b := New(8)
	b.Write([]byte{9, 9})

	out := make([]byte, 5)
	b.ReadOrSilence(out)
	want := []byte{9, 9, 0, 0, 0}
	if !bytes.Equal(out, want) {
		t.Fatalf("got %v, want %v", out, want)
	}
}

func TestWrapAroundPreservesOrdering(t *testing.T) {
	b := New(4)

	// Fill, drain, then write again so the write index wraps past the
	// physical end of the storage.
	b.Write([]byte{1, 2, 3})
	drained := make([]byte, 3)
	b.Read(drained)

	b.Write([]byte{4, 5, 6})
	got := make([]byte, 3)
	n := b.Read(got)
	if n != 3 {
		t.Fatalf("Read returned %d, want 3", n)
	}
	if !bytes.Equal(got, []byte{4, 5, 6}) {
		t.Fatalf("got %v, want [4 5 6] (wrap-around ordering broken)", got)
	}
}

func TestFillFreeInvariantUnderRandomOps(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 64).Draw(t, "capacity")
		b := New(capacity)

		ops := rapid.SliceOfN(rapid.IntRange(-64, 64), 0, 64).Draw(t, "ops")
		for _, op := range ops {
			if op >= 0 {
				p := make([]byte, op)
				b.Write(p)
			} else {
				p := make([]byte, -op)
				b.Read(p)
			}

			if b.Fill()+b.Free() != b.Capacity() {
				t.Fatalf("fill %d + free %d != capacity %d", b.Fill(), b.Free(), b.Capacity())
			}
		}
	})
}
