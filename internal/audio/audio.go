// Package audio renders the stage mix on a software device and schedules
// loop changes on its clock.
package audio

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/Southclaws/fault/ftag"
)

const (
	SampleRate    = 48000
	Channels      = 2
	BitDepth      = 16
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame
	FrameSamples  = FrameSize * Channels // total interleaved samples per frame
	FrameBytes    = FrameSamples * 2     // bytes per frame (int16 = 2 bytes)
)

// Crossfade timing, in device seconds.
const (
	fadeDuration  = 0.060 // old track out, new source in
	stopDelay     = 0.010 // old source stops this long after the boundary
	restoreDelay  = 0.120 // track gain is back at baseline by boundary + this
	startLead     = 0.010 // earliest start relative to device now
	muteRamp      = 0.030
	silentGain    = 0.0001 // fade-in start level
	DefaultMaster = 0.9
)

// Error kinds raised by the audio side.
const (
	DeviceUnavailable ftag.Kind = "DEVICE_UNAVAILABLE"
	LoadFailed        ftag.Kind = "LOAD_FAILED"
)

// DbToGain converts a decibel offset to a linear gain.
func DbToGain(db float64) float64 {
	return math.Pow(10, db/20)
}

// SamplesToBytes converts int16 samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// toInt16 converts a float sample to int16, clipping to range.
func toInt16(v float64) int16 {
	v *= 32767
	if v > 32767 {
		return 32767
	} else if v < -32768 {
		return -32768
	}
	return int16(v)
}
