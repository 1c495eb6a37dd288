package codec

import "unsafe"

// bytesToI16 reinterprets raw little-endian-native PCM bytes as an int16
// sample slice without copying. Both the capture device and the decoder's
// own buffer already use the platform's native int16 layout, so no
// byte-swapping is needed here.
func bytesToI16(b []byte) []int16 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int16)(unsafe.Pointer(&b[0])), len(b)/2)
}

// bytesToF32 reinterprets raw PCM bytes as a float32 sample slice without
// copying.
func bytesToF32(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// int16ToBytes reinterprets an int16 sample slice as raw bytes without
// copying.
func int16ToBytes(samples []int16) []byte {
	if len(samples) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&samples[0])), len(samples)*2)
}

// float32ToBytes reinterprets a float32 sample slice as raw bytes without
// copying.
func float32ToBytes(samples []float32) []byte {
	if len(samples) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&samples[0])), len(samples)*4)
}
