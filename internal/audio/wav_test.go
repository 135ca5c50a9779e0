package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func TestWAVHeader_Layout(t *testing.T) {
	h := WAVHeader(24000, 16, 1, 0)

	if len(h) != HeaderSize {
		t.Fatalf("Expected %d byte header, got %d", HeaderSize, len(h))
	}
	if !bytes.Equal(h[0:4], []byte("RIFF")) {
		t.Errorf("Expected RIFF magic, got %q", h[0:4])
	}
	if size := binary.LittleEndian.Uint32(h[4:8]); size != 36 {
		t.Errorf("Expected RIFF size 36 for streaming header, got %d", size)
	}
	if !bytes.Equal(h[8:12], []byte("WAVE")) {
		t.Errorf("Expected WAVE type, got %q", h[8:12])
	}
	if !bytes.Equal(h[12:16], []byte("fmt ")) {
		t.Errorf("Expected fmt chunk, got %q", h[12:16])
	}
	if fmtSize := binary.LittleEndian.Uint32(h[16:20]); fmtSize != 16 {
		t.Errorf("Expected fmt chunk size 16, got %d", fmtSize)
	}
	if format := binary.LittleEndian.Uint16(h[20:22]); format != 1 {
		t.Errorf("Expected PCM format 1, got %d", format)
	}
	if channels := binary.LittleEndian.Uint16(h[22:24]); channels != 1 {
		t.Errorf("Expected 1 channel, got %d", channels)
	}
	if rate := binary.LittleEndian.Uint32(h[24:28]); rate != 24000 {
		t.Errorf("Expected sample rate 24000, got %d", rate)
	}
	if byteRate := binary.LittleEndian.Uint32(h[28:32]); byteRate != 48000 {
		t.Errorf("Expected byte rate 48000, got %d", byteRate)
	}
	if blockAlign := binary.LittleEndian.Uint16(h[32:34]); blockAlign != 2 {
		t.Errorf("Expected block align 2, got %d", blockAlign)
	}
	if bits := binary.LittleEndian.Uint16(h[34:36]); bits != 16 {
		t.Errorf("Expected 16 bits per sample, got %d", bits)
	}
	if !bytes.Equal(h[36:40], []byte("data")) {
		t.Errorf("Expected data chunk, got %q", h[36:40])
	}
	if dataSize := binary.LittleEndian.Uint32(h[40:44]); dataSize != 0 {
		t.Errorf("Expected zero data size for streaming, got %d", dataSize)
	}
}

func TestWAVHeader_DataSize(t *testing.T) {
	h := WAVHeader(24000, 16, 1, 48000)

	if size := binary.LittleEndian.Uint32(h[4:8]); size != 36+48000 {
		t.Errorf("Expected RIFF size %d, got %d", 36+48000, size)
	}
	if dataSize := binary.LittleEndian.Uint32(h[40:44]); dataSize != 48000 {
		t.Errorf("Expected data size 48000, got %d", dataSize)
	}
}

func TestStreamHeader(t *testing.T) {
	if !bytes.Equal(StreamHeader(), WAVHeader(SampleRate, BitsPerSample, Channels, 0)) {
		t.Error("Expected StreamHeader to match the canonical 24kHz mono streaming header")
	}
}

func TestPCMDuration(t *testing.T) {
	tests := []struct {
		bytes int
		want  time.Duration
	}{
		{48000, time.Second},
		{24000, 500 * time.Millisecond},
		{4800, 100 * time.Millisecond},
		{0, 0},
		{-5, 0},
	}

	for _, tt := range tests {
		got := PCMDuration(tt.bytes, 24000, 16, 1)
		if got != tt.want {
			t.Errorf("PCMDuration(%d): expected %v, got %v", tt.bytes, tt.want, got)
		}
	}
}
