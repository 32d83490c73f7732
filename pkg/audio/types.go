package audio

import "time"

// AudioFrame is one capture block of raw PCM flowing from a [Source] to the
// relay. Frames are immutable once produced and are consumed exactly once.
type AudioFrame struct {
	// Data is little-endian signed 16-bit PCM exactly as the backend delivered it.
	Data []byte

	// Seq is assigned by the capture pump and strictly increases within a session.
	Seq uint64

	// CapturedAt is the wall-clock time the block finished reading.
	CapturedAt time.Time

	// SampleRate in Hz (16000 nominal).
	SampleRate int

	// Channels is 1 for the mono relay stream.
	Channels int
}

// Duration returns the playback length of the frame's PCM payload.
// It returns 0 when the format fields are unset.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is the format relayed to the remote sink: mono s16le at 16 kHz.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1}

// DefaultBlockFrames is the number of samples per capture block. At mono
// 16-bit this yields 2048-byte frames, 64 ms of audio at 16 kHz.
const DefaultBlockFrames = 1024

// BlockBytes returns the byte size of a block of n samples in format f.
func (f Format) BlockBytes(n int) int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return n * ch * 2
}
