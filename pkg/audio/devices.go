package audio

import "strings"

// DeviceMatcher reports whether a device satisfies one selection strategy.
type DeviceMatcher func(DeviceInfo) bool

// MatchID selects a device by its backend ID or by exact (case-insensitive) name.
func MatchID(id string) DeviceMatcher {
	return func(d DeviceInfo) bool {
		return d.ID == id || strings.EqualFold(d.Name, id)
	}
}

// MatchNameContains selects the first device whose name contains substr,
// ignoring case. Used to find loopback devices such as "virtual_speaker.monitor".
func MatchNameContains(substr string) DeviceMatcher {
	substr = strings.ToLower(substr)
	return func(d DeviceInfo) bool {
		return strings.Contains(strings.ToLower(d.Name), substr)
	}
}

// MatchDefault selects the host's default input device.
func MatchDefault(d DeviceInfo) bool { return d.Default }

// MatchMaxChannels selects a device with between 1 and n input channels.
func MatchMaxChannels(n int) DeviceMatcher {
	return func(d DeviceInfo) bool {
		return d.Channels > 0 && d.Channels <= n
	}
}

// FindDevice returns the index of the first device in devs accepted by m.
func FindDevice(devs []DeviceInfo, m DeviceMatcher) (int, bool) {
	for i, d := range devs {
		if m(d) {
			return i, true
		}
	}
	return -1, false
}
