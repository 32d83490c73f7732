package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/meetrelay/pkg/audio"
)

func TestAudioFrame_Duration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame audio.AudioFrame
		want  time.Duration
	}{
		{"2048 bytes mono 16k", audio.AudioFrame{Data: make([]byte, 2048), SampleRate: 16000, Channels: 1}, 64 * time.Millisecond},
		{"4096 bytes mono 16k", audio.AudioFrame{Data: make([]byte, 4096), SampleRate: 16000, Channels: 1}, 128 * time.Millisecond},
		{"stereo halves duration", audio.AudioFrame{Data: make([]byte, 4096), SampleRate: 16000, Channels: 2}, 64 * time.Millisecond},
		{"unset format", audio.AudioFrame{Data: make([]byte, 2048)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.frame.Duration(); got != tt.want {
				t.Errorf("Duration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormat_BlockBytes(t *testing.T) {
	t.Parallel()

	if got := audio.DefaultFormat.BlockBytes(audio.DefaultBlockFrames); got != 2048 {
		t.Errorf("DefaultFormat.BlockBytes(DefaultBlockFrames) = %d, want 2048", got)
	}
	if got := (audio.Format{SampleRate: 48000, Channels: 2}).BlockBytes(960); got != 3840 {
		t.Errorf("stereo BlockBytes(960) = %d, want 3840", got)
	}
	if got := (audio.Format{}).BlockBytes(10); got != 20 {
		t.Errorf("zero-channel BlockBytes(10) = %d, want 20", got)
	}
}

func TestFindDevice(t *testing.T) {
	t.Parallel()

	devs := []audio.DeviceInfo{
		{ID: "0", Name: "HDA Intel PCH: ALC3246 Analog", Channels: 4},
		{ID: "1", Name: "pulse", Channels: 32, Default: true},
		{ID: "2", Name: "Monitor of virtual_speaker", Channels: 2},
		{ID: "3", Name: "USB Mic", Channels: 1},
	}

	tests := []struct {
		name    string
		matcher audio.DeviceMatcher
		want    int
		wantOK  bool
	}{
		{"by index", audio.MatchID("3"), 3, true},
		{"by name ignoring case", audio.MatchID("PULSE"), 1, true},
		{"unknown id", audio.MatchID("42"), -1, false},
		{"monitor substring", audio.MatchNameContains("monitor"), 2, true},
		{"default", audio.MatchDefault, 1, true},
		{"first with at most two channels", audio.MatchMaxChannels(2), 2, true},
		{"first mono", audio.MatchMaxChannels(1), 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := audio.FindDevice(devs, tt.matcher)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("FindDevice() = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestFindDevice_Empty(t *testing.T) {
	t.Parallel()
	if _, ok := audio.FindDevice(nil, audio.MatchDefault); ok {
		t.Error("FindDevice(nil) reported a match")
	}
}
