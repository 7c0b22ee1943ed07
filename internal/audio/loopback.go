package audio

import "strings"

// loopbackHints are substrings of device names that expose system output as
// an input: PulseAudio/PipeWire monitors, Windows Stereo Mix, macOS virtual
// drivers.
var loopbackHints = []string{
	"monitor",
	"loopback",
	"stereo mix",
	"what u hear",
	"blackhole",
	"soundflower",
}

// IsLoopbackName reports whether a device name looks like a system-audio
// capture device.
func IsLoopbackName(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range loopbackHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// pickLoopback chooses the secondary device: the configured name if given,
// else the first device whose name looks like a loopback. ok is false when
// nothing matches.
func pickLoopback(names []string, configured string) (index int, ok bool) {
	if configured != "" {
		for i, n := range names {
			if n == configured {
				return i, true
			}
		}
		return -1, false
	}
	for i, n := range names {
		if IsLoopbackName(n) {
			return i, true
		}
	}
	return -1, false
}
