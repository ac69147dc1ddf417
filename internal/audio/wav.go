package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// WAV format tags.
const (
	wavFormatPCM  = 1
	wavFormatALaw = 6
)

// Clip is decoded WAV payload, mono.
type Clip struct {
	Data       []byte
	SampleRate int
	Codec      Codec
}

// EncodeWAV wraps mono audio bytes in a WAV container.
func EncodeWAV(data []byte, sampleRate int, codec Codec) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVTo(&buf, data, sampleRate, codec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVFile writes mono audio bytes as a WAV file.
func WriteWAVFile(path string, data []byte, sampleRate int, codec Codec) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteWAVTo(f, data, sampleRate, codec)
}

// WriteWAVTo writes mono PCM16LE or G.711 A-law bytes to out as a WAV stream.
func WriteWAVTo(out io.Writer, data []byte, sampleRate int, codec Codec) error {
	const numChannels = 1
	var (
		audioFormat   uint16
		bitsPerSample int
		fmtSize       uint32
	)
	switch codec {
	case CodecPCM16:
		audioFormat, bitsPerSample, fmtSize = wavFormatPCM, 16, 16
	case CodecALaw:
		// Non-PCM formats carry a cbSize field.
		audioFormat, bitsPerSample, fmtSize = wavFormatALaw, 8, 18
	default:
		return fmt.Errorf("wav: unsupported codec %q", codec)
	}
	if sampleRate <= 0 {
		sampleRate = 8000
	}

	dataSize := uint32(len(data))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)
	fields := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(4+8+fmtSize+8) + dataSize,
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		fmtSize,
		audioFormat,
		uint16(numChannels),
		uint32(sampleRate),
		byteRate,
		blockAlign,
		uint16(bitsPerSample),
	}
	if fmtSize == 18 {
		fields = append(fields, uint16(0))
	}
	fields = append(fields, [4]byte{'d', 'a', 't', 'a'}, dataSize)
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAV parses a PCM16 or A-law WAV file. Multi-channel PCM16 is
// downmixed to mono; multi-channel A-law is rejected.
func DecodeWAV(data []byte) (Clip, error) {
	if len(data) < 12 {
		return Clip{}, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Clip{}, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		payload     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return Clip{}, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return Clip{}, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			payload = append(payload[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	if !haveFmt {
		return Clip{}, fmt.Errorf("wav fmt chunk missing")
	}
	if len(payload) == 0 {
		return Clip{}, fmt.Errorf("wav data chunk missing")
	}
	if channels == 0 {
		return Clip{}, fmt.Errorf("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = 8000
	}

	switch {
	case audioFormat == wavFormatALaw && bitsPerSamp == 8:
		if channels != 1 {
			return Clip{}, fmt.Errorf("unsupported a-law channels=%d", channels)
		}
		return Clip{Data: payload, SampleRate: sampleRate, Codec: CodecALaw}, nil
	case audioFormat == wavFormatPCM && bitsPerSamp == 16:
		return Clip{Data: downmixPCM16(payload, int(channels)), SampleRate: sampleRate, Codec: CodecPCM16}, nil
	default:
		return Clip{}, fmt.Errorf("unsupported wav format %d with %d bits", audioFormat, bitsPerSamp)
	}
}

func downmixPCM16(pcm []byte, channels int) []byte {
	if channels == 1 {
		if len(pcm)%2 != 0 {
			pcm = pcm[:len(pcm)-1]
		}
		return pcm
	}
	frameBytes := channels * 2
	frameCount := len(pcm) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < channels; ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcm[base+ch*2 : base+ch*2+2])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(int16(sum/channels)))
	}
	return mono
}
