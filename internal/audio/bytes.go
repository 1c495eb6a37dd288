package audio

import "unsafe"

// float32SamplesToBytes reinterprets a float32 sample slice as raw bytes in
// place, without copying or allocating. Safe here because the PortAudio
// host owns the backing array for the duration of the callback and the
// byte view does not outlive it.
func float32SamplesToBytes(samples []float32) []byte {
	if len(samples) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&samples[0])), len(samples)*4)
}

// int16SamplesToBytes reinterprets an int16 sample slice as raw bytes in
// place, without copying or allocating.
func int16SamplesToBytes(samples []int16) []byte {
	if len(samples) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&samples[0])), len(samples)*2)
}
