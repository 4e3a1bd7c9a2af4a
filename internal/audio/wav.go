package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// WAV format codes.
const (
	FormatPCM  = 1 // 16-bit linear PCM
	FormatALaw = 6 // G.711 A-law
	FormatULaw = 7 // G.711 u-law
)

// SampleRate is the only sample rate the PBX handles.
const SampleRate = 8000

// WAV holds a decoded WAV file: the format fields we care about plus
// the raw data chunk.
type WAV struct {
	Format        uint16 // 1 = PCM, 6 = A-law, 7 = u-law
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	Data          []byte
}

// DurationSeconds returns the audio length in whole seconds, rounded down.
func (w *WAV) DurationSeconds() int {
	if w.SampleRate == 0 {
		return 0
	}
	bytesPerSample := int(w.BitsPerSample / 8)
	if bytesPerSample == 0 {
		bytesPerSample = 1
	}
	samples := len(w.Data) / bytesPerSample / int(w.Channels)
	return samples / int(w.SampleRate)
}

// DecodeWAV parses in-memory WAV data. The reader walks RIFF chunks so
// files with extra chunks (LIST, fact) decode correctly.
func DecodeWAV(data []byte) (*WAV, error) {
	r := bytes.NewReader(data)

	var riffHeader [12]byte
	if _, err := io.ReadFull(r, riffHeader[:]); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riffHeader[0:4]) != "RIFF" {
		return nil, errors.New("not a RIFF file")
	}
	if string(riffHeader[8:12]) != "WAVE" {
		return nil, errors.New("not a WAVE file")
	}

	w := &WAV{}
	foundFmt := false
	foundData := false

	for !foundData {
		var chunkID [4]byte
		var chunkSize uint32

		if _, err := io.ReadFull(r, chunkID[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("reading chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("reading chunk size: %w", err)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}
			var byteRate uint32
			var blockAlign uint16
			for _, dst := range []any{&w.Format, &w.Channels, &w.SampleRate, &byteRate, &blockAlign, &w.BitsPerSample} {
				if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
					return nil, fmt.Errorf("reading fmt chunk: %w", err)
				}
			}
			// Skip any extra fmt bytes.
			if chunkSize > 16 {
				if _, err := r.Seek(int64(chunkSize-16), io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("skipping extra fmt data: %w", err)
				}
			}
			foundFmt = true

		case "data":
			w.Data = make([]byte, chunkSize)
			if _, err := io.ReadFull(r, w.Data); err != nil {
				return nil, fmt.Errorf("reading data chunk: %w", err)
			}
			foundData = true

		default:
			// Skip unknown chunks. RIFF chunks are padded to an even boundary.
			skip := int64(chunkSize)
			if chunkSize%2 != 0 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skipping chunk %q: %w", string(chunkID[:]), err)
			}
		}
	}

	if !foundFmt {
		return nil, errors.New("wav file missing fmt chunk")
	}
	if !foundData {
		return nil, errors.New("wav file missing data chunk")
	}

	return w, nil
}

// ReadWAVFile reads and decodes a WAV file from disk.
func ReadWAVFile(path string) (*WAV, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading wav file: %w", err)
	}
	w, err := DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return w, nil
}

// EncodeWAV wraps a raw audio payload in a 44-byte RIFF/WAVE header.
// format must be FormatPCM, FormatALaw or FormatULaw; PCM payloads are
// 16-bit little-endian, G.711 payloads 8-bit.
func EncodeWAV(payload []byte, format uint16) ([]byte, error) {
	var bitsPerSample uint16
	switch format {
	case FormatPCM:
		bitsPerSample = 16
	case FormatALaw, FormatULaw:
		bitsPerSample = 8
	default:
		return nil, fmt.Errorf("unsupported wav format %d", format)
	}

	const channels = 1
	blockAlign := channels * bitsPerSample / 8
	byteRate := uint32(SampleRate) * uint32(blockAlign)

	buf := &bytes.Buffer{}
	buf.Grow(44 + len(payload))

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(payload)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, format)
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(SampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, bitsPerSample)

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(payload)))
	buf.Write(payload)

	return buf.Bytes(), nil
}

// WriteWAVFile writes a raw audio payload to disk as a WAV file.
func WriteWAVFile(path string, payload []byte, format uint16) error {
	data, err := EncodeWAV(payload, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("writing wav file: %w", err)
	}
	return nil
}

// ToULaw converts a decoded WAV of any supported format to a u-law
// payload suitable for PCMU playback.
func (w *WAV) ToULaw() ([]byte, error) {
	if w.Channels != 1 {
		return nil, fmt.Errorf("wav must be mono, got %d channels", w.Channels)
	}
	if w.SampleRate != SampleRate {
		return nil, fmt.Errorf("wav must be %d Hz, got %d Hz", SampleRate, w.SampleRate)
	}
	switch w.Format {
	case FormatULaw:
		return w.Data, nil
	case FormatALaw:
		return ALawToULaw(w.Data), nil
	case FormatPCM:
		if w.BitsPerSample != 16 {
			return nil, fmt.Errorf("pcm wav must be 16-bit, got %d-bit", w.BitsPerSample)
		}
		pcm := make([]int16, len(w.Data)/2)
		for i := range pcm {
			pcm[i] = int16(binary.LittleEndian.Uint16(w.Data[i*2:]))
		}
		return LinearToULaw(pcm), nil
	default:
		return nil, fmt.Errorf("unsupported wav format %d", w.Format)
	}
}
