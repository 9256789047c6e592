// Package audiotest builds small synthetic audio containers for tests.
package audiotest

import (
	"encoding/binary"
)

// PCM returns n bytes of deterministic sample data that never contains "RIFF" or 0xFF.
func PCM(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

// WAV builds a 16-bit mono PCM WAV with a canonical 44-byte header.
func WAV(sampleRate, dataLen int) []byte {
	return wav(sampleRate, dataLen, nil)
}

// WAVWithList builds a WAV with a LIST sub-chunk between fmt and data.
func WAVWithList(sampleRate, dataLen int) []byte {
	list := append([]byte("LIST"), le32(10)...)
	list = append(list, []byte("INFOabcdef")...)
	return wav(sampleRate, dataLen, list)
}

func wav(sampleRate, dataLen int, extra []byte) []byte {
	out := []byte("RIFF")
	out = append(out, le32(uint32(4+24+len(extra)+8+dataLen))...)
	out = append(out, "WAVE"...)
	out = append(out, "fmt "...)
	out = append(out, le32(16)...)
	out = append(out, le16(1)...) // PCM
	out = append(out, le16(1)...) // mono
	out = append(out, le32(uint32(sampleRate))...)
	out = append(out, le32(uint32(sampleRate*2))...)
	out = append(out, le16(2)...)
	out = append(out, le16(16)...)
	out = append(out, extra...)
	out = append(out, "data"...)
	out = append(out, le32(uint32(dataLen))...)
	return append(out, PCM(dataLen)...)
}

// FLACHeaderLen is the size of the signature and metadata produced by FLAC.
const FLACHeaderLen = 4 + 4 + 34 + 4 + 16

// FLAC builds a FLAC stream: signature, STREAMINFO, a PADDING block flagged last,
// then frameCount frames of frameSize bytes each starting with 0xFF 0xF8.
func FLAC(sampleRate, frameCount, frameSize int) []byte {
	return FLACWithPicture(sampleRate, 0, frameCount, frameSize)
}

// FLACWithPicture is FLAC with a PICTURE block of pictureLen bytes between STREAMINFO and PADDING.
// Cover art in real recordings often runs to several MiB.
func FLACWithPicture(sampleRate, pictureLen, frameCount, frameSize int) []byte {
	out := []byte("fLaC")

	streamInfo := make([]byte, 34)
	binary.BigEndian.PutUint16(streamInfo[0:2], 4096)
	binary.BigEndian.PutUint16(streamInfo[2:4], 4096)
	streamInfo[10] = byte(sampleRate >> 12)
	streamInfo[11] = byte(sampleRate >> 4)
	streamInfo[12] = byte(sampleRate<<4) | 0x00 // mono
	out = append(out, 0x00, 0x00, 0x00, 34)
	out = append(out, streamInfo...)

	if pictureLen > 0 {
		out = append(out, 0x06, byte(pictureLen>>16), byte(pictureLen>>8), byte(pictureLen))
		out = append(out, make([]byte, pictureLen)...)
	}

	out = append(out, 0x81, 0x00, 0x00, 16) // PADDING, last
	out = append(out, make([]byte, 16)...)

	for f := 0; f < frameCount; f++ {
		out = append(out, 0xFF, 0xF8)
		for j := 0; j < frameSize-2; j++ {
			out = append(out, byte((f+j)%0xFF))
		}
	}
	return out
}

// MP3WithID3 builds an ID3v2 tag of tagBody bytes followed by frameBytes of MPEG-1 layer III frame data.
func MP3WithID3(tagBody, frameBytes int) []byte {
	out := []byte("ID3")
	out = append(out, 0x04, 0x00, 0x00)
	out = append(out, byte(tagBody>>21&0x7F), byte(tagBody>>14&0x7F), byte(tagBody>>7&0x7F), byte(tagBody&0x7F))
	out = append(out, make([]byte, tagBody)...)
	frames := make([]byte, frameBytes)
	for i := range frames {
		frames[i] = byte(i % 200)
	}
	if frameBytes >= 2 {
		frames[0], frames[1] = 0xFF, 0xFB
	}
	return append(out, frames...)
}

func le16(v uint16) []byte { return binary.LittleEndian.AppendUint16(nil, v) }
func le32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }
