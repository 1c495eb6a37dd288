// Package audio wraps PortAudio device enumeration and stream lifecycle for
// both roles: the source's capture stream and the sink's per-slot playback
// stream. Playback reads are driven directly off a ring.Buffer inside the
// realtime callback, so that path never allocates and never blocks.
package audio

import (
	"fmt"

	"github.com/gordonklaus/portaudio"

	"github.com/postalsys/remoteaudio/internal/protocol"
	"github.com/postalsys/remoteaudio/internal/ring"
)

// ErrAudioOpenFailed wraps any PortAudio failure opening or starting a
// stream. It is never fatal to the process; the caller's slot or source
// session reverts and may retry.
var ErrAudioOpenFailed = fmt.Errorf("audio: failed to open stream")

// Playback is the control surface the sink's slot table depends on: stop
// the stream and release it. *PlaybackStream satisfies this, and so does
// any test fake, which lets the sink package be unit-tested without
// linking PortAudio.
type Playback interface {
	Close() error
}

// Capture is the control surface the source pipeline depends on: block for
// one period of PCM, then release the device.
type Capture interface {
	ReadFrame() ([]byte, error)
	Close() error
}

// Device describes an enumerable PortAudio device.
type Device struct {
	Index int
	Name  string
}

func init() {
	if err := portaudio.Initialize(); err != nil {
		// PortAudio is only truly unusable if every later OpenStream call
		// also fails; record nothing here and let those calls surface the
		// error through ErrAudioOpenFailed.
		_ = err
	}
}

// Terminate releases PortAudio's global state. Call once at process exit.
func Terminate() error {
	return portaudio.Terminate()
}

// InputDevices returns the devices PortAudio reports as capable of capture.
func InputDevices() ([]Device, error) {
	return devices(func(d *portaudio.DeviceInfo) bool { return d.MaxInputChannels > 0 })
}

// OutputDevices returns the devices PortAudio reports as capable of playback.
func OutputDevices() ([]Device, error) {
	return devices(func(d *portaudio.DeviceInfo) bool { return d.MaxOutputChannels > 0 })
}

func devices(match func(*portaudio.DeviceInfo) bool) ([]Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", ErrAudioOpenFailed, err)
	}
	var out []Device
	for i, d := range infos {
		if match(d) {
			out = append(out, Device{Index: i, Name: d.Name})
		}
	}
	return out, nil
}

func resolveDevice(name string, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if name == "" {
		return fallback()
	}
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range infos {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device %q not found", name)
}

// bytesPerSample returns the byte width of a single PCM sample for the
// given wire sample format.
func bytesPerSample(format uint8) int {
	if format == protocol.SampleFormatI16 {
		return 2
	}
	return 4
}

// PlaybackStream is a sink slot's output stream. Its realtime callback
// drains exactly frame_size frames from ringBuf per invocation, filling any
// shortfall with silence rather than blocking or aborting.
type PlaybackStream struct {
	stream       *portaudio.Stream
	ring         *ring.Buffer
	channelCount int
	sampleFormat uint8
	frameSize    int
}

// OpenPlaybackStream opens a PortAudio output stream that pulls its audio
// from ringBuf. deviceName selects a device by PortAudio name; empty uses
// the default output device.
func OpenPlaybackStream(deviceName string, channelCount int, sampleFormat uint8, sampleRate float64, frameSize int, ringBuf *ring.Buffer) (*PlaybackStream, error) {
	dev, err := resolveDevice(deviceName, portaudio.DefaultOutputDevice)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAudioOpenFailed, err)
	}

	ps := &PlaybackStream{
		ring:         ringBuf,
		channelCount: channelCount,
		sampleFormat: sampleFormat,
		frameSize:    frameSize,
	}

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channelCount,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: frameSize,
	}

	var stream *portaudio.Stream
	if sampleFormat == protocol.SampleFormatI16 {
		stream, err = portaudio.OpenStream(params, ps.callbackI16)
	} else {
		stream, err = portaudio.OpenStream(params, ps.callbackF32)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAudioOpenFailed, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: %v", ErrAudioOpenFailed, err)
	}

	ps.stream = stream
	return ps, nil
}

// callbackF32 is the realtime callback for float32-format slots. It must not
// allocate or block: drainFrame below only touches pre-sized buffers and
// the lock-free ring.
func (ps *PlaybackStream) callbackF32(out []float32) {
	ps.drainFrame(float32SamplesToBytes(out))
}

// callbackI16 is the realtime callback for int16-format slots.
func (ps *PlaybackStream) callbackI16(out []int16) {
	ps.drainFrame(int16SamplesToBytes(out))
}

// drainFrame reads exactly len(dst) bytes from the ring, silence-filling any
// shortfall. dst aliases the host-provided sample buffer; no allocation
// occurs on this path.
func (ps *PlaybackStream) drainFrame(dst []byte) {
	ps.ring.ReadOrSilence(dst)
}

// FrameSize returns the number of frames per buffer this stream was opened
// with.
func (ps *PlaybackStream) FrameSize() int {
	return ps.frameSize
}

// Close stops and releases the underlying PortAudio stream.
func (ps *PlaybackStream) Close() error {
	if ps.stream == nil {
		return nil
	}
	if err := ps.stream.Stop(); err != nil {
		ps.stream.Close()
		return err
	}
	return ps.stream.Close()
}

// CaptureStream is the source's single input stream. Unlike playback it is
// polled from a capture loop goroutine rather than driven purely by a
// realtime callback, matching the source's simpler single-session pipeline.
type CaptureStream struct {
	stream    *portaudio.Stream
	bufF32    []float32
	bufI16    []int16
	format    uint8
	frameSize int
}

// OpenCaptureStream opens a PortAudio input stream of frameSize frames per
// period.
func OpenCaptureStream(deviceName string, channelCount int, sampleFormat uint8, sampleRate float64, frameSize int) (*CaptureStream, error) {
	dev, err := resolveDevice(deviceName, portaudio.DefaultInputDevice)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAudioOpenFailed, err)
	}

	cs := &CaptureStream{format: sampleFormat, frameSize: frameSize}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channelCount,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: frameSize,
	}

	var stream *portaudio.Stream
	if sampleFormat == protocol.SampleFormatI16 {
		cs.bufI16 = make([]int16, frameSize*channelCount)
		stream, err = portaudio.OpenStream(params, cs.bufI16)
	} else {
		cs.bufF32 = make([]float32, frameSize*channelCount)
		stream, err = portaudio.OpenStream(params, cs.bufF32)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAudioOpenFailed, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: %v", ErrAudioOpenFailed, err)
	}

	cs.stream = stream
	return cs, nil
}

// ReadFrame blocks for one period and returns the captured PCM as raw
// bytes, valid until the next call to ReadFrame.
func (cs *CaptureStream) ReadFrame() ([]byte, error) {
	if err := cs.stream.Read(); err != nil {
		return nil, err
	}
	if cs.format == protocol.SampleFormatI16 {
		return int16SamplesToBytes(cs.bufI16), nil
	}
	return float32SamplesToBytes(cs.bufF32), nil
}

// Close stops and releases the underlying PortAudio stream.
func (cs *CaptureStream) Close() error {
	if cs.stream == nil {
		return nil
	}
	if err := cs.stream.Stop(); err != nil {
		cs.stream.Close()
		return err
	}
	return cs.stream.Close()
}
