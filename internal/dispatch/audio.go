package dispatch

import (
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
)

// Opus always runs at 48 kHz granule resolution regardless of the
// encoded rate.
const opusGranuleRate = 48000

const waveformLen = 64

var errNotOgg = errors.New("not an ogg stream")

// oggDuration walks the Ogg page headers and derives the stream length
// in whole seconds from the final granule position. Good enough for the
// voice-note duration field; clamped to [1s, 300s].
func oggDuration(data []byte) (uint32, error) {
	if len(data) < 4 || string(data[:4]) != "OggS" {
		return 0, errNotOgg
	}
	var lastGranule uint64
	for i := 0; i < len(data); {
		if i+27 >= len(data) {
			break
		}
		if string(data[i:i+4]) != "OggS" {
			i++
			continue
		}
		granule := binary.LittleEndian.Uint64(data[i+6 : i+14])
		numSegs := int(data[i+26])
		if i+27+numSegs >= len(data) {
			break
		}
		pageSize := 27 + numSegs
		for _, seg := range data[i+27 : i+27+numSegs] {
			pageSize += int(seg)
		}
		if granule != 0 {
			lastGranule = granule
		}
		i += pageSize
	}
	if lastGranule == 0 {
		return 0, errNotOgg
	}
	secs := float64(lastGranule) / opusGranuleRate
	if secs < 1 {
		secs = 1
	}
	if secs > 300 {
		secs = 300
	}
	return uint32(math.Ceil(secs)), nil
}

// syntheticWaveform fabricates a plausible 64-sample amplitude envelope
// (0-100) for voice notes whose real waveform is unknown. Seeded from
// the duration so the same audio renders the same bars.
func syntheticWaveform(seconds uint32) []byte {
	w := make([]byte, waveformLen)
	rng := rand.New(rand.NewSource(int64(seconds)))
	const baseAmp = 35.0
	freq := math.Min(float64(seconds), 120) / 30.0
	for i := range w {
		pos := float64(i) / waveformLen
		val := baseAmp*math.Sin(pos*math.Pi*freq*8) + (baseAmp/2)*math.Sin(pos*math.Pi*freq*16)
		val += (rng.Float64() - 0.5) * 15
		val = val*(0.7+0.3*math.Sin(pos*math.Pi)) + 50
		if val < 0 {
			val = 0
		} else if val > 100 {
			val = 100
		}
		w[i] = byte(val)
	}
	return w
}
