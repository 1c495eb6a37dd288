package audio

import (
	"testing"
	"unsafe"
)

func TestFloat32SamplesToBytesLength(t *testing.T) {
	samples := make([]float32, 8)
	got := float32SamplesToBytes(samples)
	if len(got) != 32 {
		t.Fatalf("len = %d, want 32", len(got))
	}
}

func TestInt16SamplesToBytesLength(t *testing.T) {
	samples := make([]int16, 8)
	got := int16SamplesToBytes(samples)
	if len(got) != 16 {
		t.Fatalf("len = %d, want 16", len(got))
	}
}

func TestFloat32SamplesToBytesAliasesBackingArray(t *testing.T) {
	samples := []float32{1, 2, 3}
	b := float32SamplesToBytes(samples)
	samples[0] = 9
	if unsafe.Pointer(&b[0]) != unsafe.Pointer(&samples[0]) {
		t.Fatalf("byte view does not alias the sample backing array")
	}
}

func TestSamplesToBytesEmptyInput(t *testing.T) {
	if got := float32SamplesToBytes(nil); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
	if got := int16SamplesToBytes(nil); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestBytesPerSample(t *testing.T) {
	if got := bytesPerSample(0); got != 4 {
		t.Fatalf("SampleFormatF32 bytesPerSample = %d, want 4", got)
	}
	if got := bytesPerSample(1); got != 2 {
		t.Fatalf("SampleFormatI16 bytesPerSample = %d, want 2", got)
	}
}
