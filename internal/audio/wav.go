package audio

import (
	"encoding/binary"
	"time"
)

// Output format produced by the Orpheus engine
const (
	SampleRate    = 24000
	BitsPerSample = 16
	Channels      = 1
)

// HeaderSize is the byte length of the RIFF header that precedes PCM data
const HeaderSize = 44

// WAVHeader builds a RIFF/WAVE header for PCM audio of dataSize bytes.
// Streaming responses pass dataSize 0; players treat a zero-length data
// chunk as unbounded and keep playing until the stream closes.
func WAVHeader(sampleRate, bitsPerSample, channels, dataSize int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	h := make([]byte, 0, HeaderSize)
	h = append(h, 'R', 'I', 'F', 'F')
	h = binary.LittleEndian.AppendUint32(h, uint32(36+dataSize))
	h = append(h, 'W', 'A', 'V', 'E')
	h = append(h, 'f', 'm', 't', ' ')
	h = binary.LittleEndian.AppendUint32(h, 16)
	h = binary.LittleEndian.AppendUint16(h, 1) // PCM
	h = binary.LittleEndian.AppendUint16(h, uint16(channels))
	h = binary.LittleEndian.AppendUint32(h, uint32(sampleRate))
	h = binary.LittleEndian.AppendUint32(h, uint32(byteRate))
	h = binary.LittleEndian.AppendUint16(h, uint16(blockAlign))
	h = binary.LittleEndian.AppendUint16(h, uint16(bitsPerSample))
	h = append(h, 'd', 'a', 't', 'a')
	h = binary.LittleEndian.AppendUint32(h, uint32(dataSize))
	return h
}

// StreamHeader returns the canonical streaming header: 24kHz, 16-bit,
// mono, unbounded data chunk
func StreamHeader() []byte {
	return WAVHeader(SampleRate, BitsPerSample, Channels, 0)
}

// PCMDuration reports the playback time of n bytes of PCM audio in the
// given format
func PCMDuration(n, sampleRate, bitsPerSample, channels int) time.Duration {
	byteRate := sampleRate * channels * bitsPerSample / 8
	if n <= 0 || byteRate <= 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(byteRate) * float64(time.Second))
}
