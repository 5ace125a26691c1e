// SPDX-License-Identifier: MIT

package engine

import (
	"encoding/binary"
	"math"

	"github.com/dalstonhq/dalston/internal/model"
)

const (
	virtualSampleRate = 16000

	// Synthetic renditions are capped so a long source does not
	// materialize minutes of tone; probes still report the real duration.
	virtualMaxAudioSeconds = 30
)

// ProbeMedia derives media facts from an audio payload. WAV headers are
// honored; anything else is treated as raw 16 kHz mono s16le, the upload
// contract for virtual deployments.
func ProbeMedia(data []byte) model.MediaInfo {
	m := model.MediaInfo{SizeBytes: int64(len(data))}
	if sr, ch, frames, ok := parseWAV(data); ok {
		m.SampleRate = sr
		m.Channels = ch
		m.DurationSeconds = round2(float64(frames) / float64(sr))
		m.Format = "wav"
		return m
	}
	m.SampleRate = virtualSampleRate
	m.Channels = 1
	m.DurationSeconds = round2(float64(len(data)) / (virtualSampleRate * 2))
	m.Format = "pcm_s16le"
	return m
}

// ProbeMediaHead derives media facts from the head of an upload plus its
// total size, for callers that stream the payload instead of buffering it.
// Durations are estimates from the format header; the prepare stage
// recomputes the authoritative values from the stored object.
func ProbeMediaHead(head []byte, sizeBytes int64) model.MediaInfo {
	m := ProbeMedia(head)
	m.SizeBytes = sizeBytes
	switch m.Format {
	case "wav":
		payload := sizeBytes - 44
		if payload < 0 {
			payload = 0
		}
		m.DurationSeconds = round2(float64(payload) / float64(m.SampleRate*m.Channels*2))
	case "pcm_s16le":
		m.DurationSeconds = round2(float64(sizeBytes) / (virtualSampleRate * 2))
	}
	return m
}

// SynthWAV renders seconds of a 400 Hz square tone as 16 kHz s16le WAV.
// The tone is non-zero on purpose: redaction visibly zeroes its ranges.
func SynthWAV(seconds float64, channels int) []byte {
	if channels < 1 {
		channels = 1
	}
	if seconds > virtualMaxAudioSeconds {
		seconds = virtualMaxAudioSeconds
	}
	frames := int(seconds * virtualSampleRate)
	if frames < 1 {
		frames = 1
	}
	dataLen := frames * channels * 2
	buf := make([]byte, 44+dataLen)
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+dataLen))
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:], virtualSampleRate)
	binary.LittleEndian.PutUint32(buf[28:], uint32(virtualSampleRate*channels*2))
	binary.LittleEndian.PutUint16(buf[32:], uint16(channels*2))
	binary.LittleEndian.PutUint16(buf[34:], 16)
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(dataLen))
	for f := 0; f < frames; f++ {
		v := int16(2000)
		if (f/20)%2 == 1 {
			v = -2000
		}
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(buf[44+2*(f*channels+c):], uint16(v))
		}
	}
	return buf
}

// parseWAV reads the RIFF header of a PCM WAV payload. ok is false for
// anything that is not one.
func parseWAV(data []byte) (sampleRate, channels, frames int, ok bool) {
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return 0, 0, 0, false
	}
	var dataLen int
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		switch id {
		case "fmt ":
			if body+16 > len(data) {
				return 0, 0, 0, false
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
		case "data":
			dataLen = size
			if body+dataLen > len(data) {
				dataLen = len(data) - body
			}
		}
		off = body + size + size%2
	}
	if channels == 0 || sampleRate == 0 {
		return 0, 0, 0, false
	}
	return sampleRate, channels, dataLen / (channels * 2), true
}

// redactRange overwrites the samples of [start, end) seconds in a mono
// 16 kHz WAV rendition. Mode "beep" writes a flat tone, everything else
// silences.
func redactRange(wav []byte, start, end float64, mode string) {
	const header = 44
	lo := header + 2*int(start*virtualSampleRate)
	hi := header + 2*int(end*virtualSampleRate)
	if lo < header {
		lo = header
	}
	if hi > len(wav) {
		hi = len(wav)
	}
	lo -= lo % 2
	for i := lo; i+1 < hi; i += 2 {
		var v int16
		if mode == "beep" {
			v = 3000
			if (i/40)%2 == 1 {
				v = -3000
			}
		}
		binary.LittleEndian.PutUint16(wav[i:], uint16(v))
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
