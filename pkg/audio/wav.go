// Package audio provides byte-level audio utilities shared across the
// Voiceline pipeline: WAV container wrapping for ASR handoff, PCM duration
// math, and MP3 playback-duration estimation for barge-in timing.
//
// All functions are pure and safe for concurrent use.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	// SampleRate is the pipeline-wide PCM sample rate in Hz.
	SampleRate = 16000

	// FrameMS is the duration of a single VAD frame in milliseconds.
	FrameMS = 20

	// FrameBytes is the byte length of one 20 ms frame of 16-bit mono PCM at
	// 16 kHz: 16000 * 0.020 * 2 = 640.
	FrameBytes = SampleRate * FrameMS / 1000 * 2

	// bytesPerSecond for 16-bit mono PCM at the pipeline sample rate.
	bytesPerSecond = SampleRate * 2
)

// matroskaMagic is the EBML header prefix shared by WebM and Matroska
// containers. Binary frames starting with it take the legacy batching path
// instead of the PCM turn engine.
var matroskaMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// IsContainer reports whether b begins with the Matroska/WebM EBML magic.
func IsContainer(b []byte) bool {
	return len(b) >= len(matroskaMagic) && bytes.Equal(b[:len(matroskaMagic)], matroskaMagic)
}

// WrapWAV wraps raw 16-bit little-endian mono PCM in a minimal RIFF/WAVE
// container at the given sample rate. The result is suitable for handing a
// finished turn buffer to a file-based ASR backend.
func WrapWAV(pcm []byte, sampleRate int) []byte {
	buf := new(bytes.Buffer)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))           // fmt chunk size
	binary.Write(buf, binary.LittleEndian, uint16(1))            // PCM
	binary.Write(buf, binary.LittleEndian, uint16(1))            // mono
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))   // sample rate
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	binary.Write(buf, binary.LittleEndian, uint16(2))            // block align
	binary.Write(buf, binary.LittleEndian, uint16(16))           // bits per sample

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// ErrNotWAV is returned by UnwrapWAV when the input is not a RIFF/WAVE file.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE container")

// UnwrapWAV extracts the PCM payload and sample rate from a simple RIFF/WAVE
// container. Only uncompressed 16-bit PCM is supported; anything else returns
// ErrNotWAV.
func UnwrapWAV(wav []byte) (pcm []byte, sampleRate int, err error) {
	if len(wav) < 44 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, ErrNotWAV
	}

	// Walk chunks: fmt must precede data.
	off := 12
	var rate int
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8
		if body+size > len(wav) {
			size = len(wav) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, ErrNotWAV
			}
			format := binary.LittleEndian.Uint16(wav[body : body+2])
			bits := binary.LittleEndian.Uint16(wav[body+14 : body+16])
			if format != 1 || bits != 16 {
				return nil, 0, ErrNotWAV
			}
			rate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
		case "data":
			if rate == 0 {
				return nil, 0, ErrNotWAV
			}
			return wav[body : body+size], rate, nil
		}
		off = body + size
		if size%2 == 1 {
			off++ // chunks are word aligned
		}
	}
	return nil, 0, ErrNotWAV
}

// PCMDuration returns the playback duration of raw 16-bit mono PCM at the
// pipeline sample rate.
func PCMDuration(pcm []byte) time.Duration {
	return time.Duration(len(pcm)) * time.Second / bytesPerSecond
}

// defaultMP3Duration is the fallback playback estimate when the MP3 stream
// cannot be parsed. Matches the timing slack used for bot-speaking windows.
const defaultMP3Duration = 3 * time.Second

// mp3Bitrates maps the MPEG-1 Layer III bitrate index to kbit/s.
var mp3Bitrates = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}

// MP3Duration estimates the playback duration of an MP3 stream from its first
// frame header, assuming constant bitrate. Synthesised speech from the TTS
// providers is CBR, so the estimate is close enough for bot-speaking windows.
// Returns a 3 s fallback when no valid frame header is found.
func MP3Duration(data []byte) time.Duration {
	for i := 0; i+4 <= len(data) && i < 4096; i++ {
		if data[i] != 0xFF || data[i+1]&0xE0 != 0xE0 {
			continue
		}
		version := (data[i+1] >> 3) & 0x03
		layer := (data[i+1] >> 1) & 0x03
		if version != 0x03 || layer != 0x01 { // MPEG-1 Layer III only
			continue
		}
		idx := (data[i+2] >> 4) & 0x0F
		kbps := mp3Bitrates[idx]
		if kbps == 0 {
			continue
		}
		bytesPerSec := kbps * 1000 / 8
		return time.Duration(len(data)-i) * time.Second / time.Duration(bytesPerSec)
	}
	return defaultMP3Duration
}
