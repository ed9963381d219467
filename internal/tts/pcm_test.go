package tts

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestPCMRoundTrip(t *testing.T) {
	samples := PCM{0, 1, -1, 32767, -32768, 1234, -4321}
	encoded := EncodePCM(samples)
	if len(encoded) != len(samples)*2 {
		t.Fatalf("expected %d bytes, got %d", len(samples)*2, len(encoded))
	}
	if !bytes.Equal(encoded[:4], []byte{0x00, 0x00, 0x01, 0x00}) {
		t.Fatalf("expected little-endian layout, got % x", encoded[:4])
	}
	decoded, err := DecodePCM(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, samples[i], decoded[i])
		}
	}
}

func TestDecodeMisaligned(t *testing.T) {
	if _, err := DecodePCM([]byte{1, 2, 3}); !errors.Is(err, ErrMisalignedPCM) {
		t.Fatalf("expected ErrMisalignedPCM, got %v", err)
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	samples := PCM{100, -100, 200, -200}
	data, err := EncodeWAV(samples, 22050, 1)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE markers")
	}
	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != 22050 {
		t.Fatalf("expected sample rate 22050, got %d", rate)
	}
	if riffSize := binary.LittleEndian.Uint32(data[4:8]); int(riffSize) != len(data)-8 {
		t.Fatalf("riff size %d does not match payload %d", riffSize, len(data)-8)
	}
	if !bytes.HasSuffix(data, EncodePCM(samples)) {
		t.Fatal("expected pcm payload at end of wav")
	}
}

func TestEncodeWAVRejectsBadFormat(t *testing.T) {
	if _, err := EncodeWAV(PCM{1}, 0, 1); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}
