package audioformat

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	wavFormatPCM   = 1
	wavFormatMulaw = 7
)

// ErrNotWAV is returned when the RIFF/WAVE preamble is missing.
var ErrNotWAV = errors.New("not a RIFF/WAVE stream")

// WAVHeader holds the fields of the fmt sub-chunk and the location of the data sub-chunk.
type WAVHeader struct {
	AudioFormat   uint16 `json:"audio_format"`
	NumChannels   uint16 `json:"channels"`
	SampleRate    uint32 `json:"sample_rate"`
	ByteRate      uint32 `json:"byte_rate"`
	BlockAlign    uint16 `json:"block_align"`
	BitsPerSample uint16 `json:"bits_per_sample"`
	// FmtChunk is the offset of the "fmt " sub-chunk id and FmtSize its payload length.
	FmtChunk int `json:"-"`
	FmtSize  int `json:"-"`
	// DataOffset is the first audio byte; DataSize is clamped to the bytes actually present.
	DataOffset int `json:"data_offset"`
	DataSize   int `json:"data_size"`
}

// ParseWAVHeader walks the RIFF sub-chunks until it finds "data".
func ParseWAVHeader(data []byte) (WAVHeader, error) {
	var hdr WAVHeader
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return hdr, ErrNotWAV
	}

	pos := 12
	haveFmt := false
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return hdr, fmt.Errorf("fmt chunk truncated (size=%d)", size)
			}
			hdr.AudioFormat = binary.LittleEndian.Uint16(data[body : body+2])
			hdr.NumChannels = binary.LittleEndian.Uint16(data[body+2 : body+4])
			hdr.SampleRate = binary.LittleEndian.Uint32(data[body+4 : body+8])
			hdr.ByteRate = binary.LittleEndian.Uint32(data[body+8 : body+12])
			hdr.BlockAlign = binary.LittleEndian.Uint16(data[body+12 : body+14])
			hdr.BitsPerSample = binary.LittleEndian.Uint16(data[body+14 : body+16])
			hdr.FmtChunk = pos
			hdr.FmtSize = size
			haveFmt = true
		case "data":
			if !haveFmt {
				return hdr, errors.New("data chunk precedes fmt chunk")
			}
			hdr.DataOffset = body
			avail := len(data) - body
			// streaming encoders write 0 or 0xFFFFFFFF when the length is unknown
			if size <= 0 || size > avail {
				size = avail
			}
			hdr.DataSize = size
			return hdr, nil
		}

		next := body + size
		if size%2 == 1 {
			next++
		}
		if next <= pos {
			break
		}
		pos = next
	}
	return hdr, errors.New("data chunk not found")
}

// PatchWAVSizes returns a copy of a WAV header (ending right after the data chunk size field)
// with the RIFF and data sizes rewritten for dataLen audio bytes.
func PatchWAVSizes(header []byte, dataLen int) []byte {
	out := make([]byte, len(header))
	copy(out, header)
	if len(out) < 20 || string(out[0:4]) != "RIFF" || string(out[len(out)-8:len(out)-4]) != "data" {
		return out
	}
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(out)-8+dataLen))
	binary.LittleEndian.PutUint32(out[len(out)-4:], uint32(dataLen))
	return out
}

// CanonicalWAVHeader builds a RIFF/WAVE header holding only the fmt chunk and the data chunk header.
func CanonicalWAVHeader(src []byte, hdr WAVHeader) []byte {
	fmtLen := 8 + hdr.FmtSize
	if hdr.FmtSize%2 == 1 {
		fmtLen++
	}
	out := make([]byte, 0, 12+fmtLen+8)
	out = append(out, "RIFF"...)
	out = binary.LittleEndian.AppendUint32(out, 0)
	out = append(out, "WAVE"...)
	fmtEnd := hdr.FmtChunk + fmtLen
	if fmtEnd > len(src) {
		fmtEnd = len(src)
	}
	out = append(out, src[hdr.FmtChunk:fmtEnd]...)
	out = append(out, "data"...)
	out = binary.LittleEndian.AppendUint32(out, 0)
	return PatchWAVSizes(out, hdr.DataSize)
}
