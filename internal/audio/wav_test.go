package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestWAVRoundTripALaw(t *testing.T) {
	frame := []byte{0xD5, 0x55, 0x2A, 0xAA}
	wav, err := EncodeWAV(frame, 8000, CodecALaw)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	if got := binary.LittleEndian.Uint32(wav[4:8]); int(got) != len(wav)-8 {
		t.Fatalf("RIFF size = %d, want %d", got, len(wav)-8)
	}
	clip, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if clip.Codec != CodecALaw || clip.SampleRate != 8000 {
		t.Fatalf("clip = %+v, want alaw@8000", clip)
	}
	if !bytes.Equal(clip.Data, frame) {
		t.Fatalf("data = %v, want %v", clip.Data, frame)
	}
}

func TestWAVRoundTripPCM16(t *testing.T) {
	pcm := []byte{0x00, 0x00, 0xE8, 0x03, 0x18, 0xFC}
	wav, err := EncodeWAV(pcm, 16000, CodecPCM16)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	if got := binary.LittleEndian.Uint32(wav[4:8]); int(got) != len(wav)-8 {
		t.Fatalf("RIFF size = %d, want %d", got, len(wav)-8)
	}
	clip, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if clip.SampleRate != 16000 || !bytes.Equal(clip.Data, pcm) {
		t.Fatalf("clip = %+v, want pcm %v @16000", clip, pcm)
	}
}

func TestDecodeWAVStereoDownmix(t *testing.T) {
	// L=1000,R=-1000 -> 0; L=3000,R=1000 -> 2000
	stereo := []byte{0xE8, 0x03, 0x18, 0xFC, 0xB8, 0x0B, 0xE8, 0x03}
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+len(stereo)))
	b.WriteString("WAVEfmt ")
	for _, v := range []any{uint32(16), uint16(1), uint16(2), uint32(24000), uint32(24000 * 4), uint16(4), uint16(16)} {
		_ = binary.Write(&b, binary.LittleEndian, v)
	}
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(stereo)))
	b.Write(stereo)

	clip, err := DecodeWAV(b.Bytes())
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if len(clip.Data) != 4 {
		t.Fatalf("len(Data) = %d, want 4", len(clip.Data))
	}
	s1 := int16(binary.LittleEndian.Uint16(clip.Data[0:2]))
	s2 := int16(binary.LittleEndian.Uint16(clip.Data[2:4]))
	if s1 != 0 || s2 != 2000 {
		t.Fatalf("downmix = [%d %d], want [0 2000]", s1, s2)
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, err := DecodeWAV([]byte("RIFF....WAVX")); err == nil {
		t.Fatalf("DecodeWAV(garbage) error = nil, want error")
	}
}
