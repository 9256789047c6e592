package audioformat

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrNoFLACSignature means no fLaC marker was found near the start of the stream.
	ErrNoFLACSignature = errors.New("fLaC signature not found")
	// ErrTruncatedMetadata means a metadata block runs past the end of the stream.
	ErrTruncatedMetadata = errors.New("FLAC metadata truncated")
)

const (
	flacBlockStreamInfo = 0
	flacBlockInvalid    = 127
)

// FLACLayout is the result of walking the FLAC metadata blocks.
type FLACLayout struct {
	// SignatureOffset is where "fLaC" starts; anything before it (ID3) is not part of the header.
	SignatureOffset int
	// AudioStart is the offset of the first audio frame, i.e. the end of the last metadata block.
	AudioStart int
	SampleRate int
	Channels   int
	Blocks     int
	// StreamInfoEnd is the end of the STREAMINFO body when it is the first block, else 0.
	StreamInfoEnd int
}

// HeaderLen is the length of the signature plus metadata region.
func (l FLACLayout) HeaderLen() int { return l.AudioStart - l.SignatureOffset }

// MinimalHeader returns "fLaC" plus STREAMINFO flagged as the last block,
// dropping PICTURE, PADDING and the other optional blocks. Nil when STREAMINFO is not first.
func (l FLACLayout) MinimalHeader(data []byte) []byte {
	if l.StreamInfoEnd == 0 || l.StreamInfoEnd > len(data) {
		return nil
	}
	out := make([]byte, 0, l.StreamInfoEnd-l.SignatureOffset)
	out = append(out, data[l.SignatureOffset:l.StreamInfoEnd]...)
	out[4] |= 0x80
	return out
}

// ParseFLAC locates the signature and walks metadata block headers
// (1 bit last-block flag, 7 bit type, 24 bit big-endian length).
func ParseFLAC(data []byte) (FLACLayout, error) {
	var layout FLACLayout
	window := data
	if len(window) > flacSignatureWindow {
		window = window[:flacSignatureWindow]
	}
	sig := bytes.Index(window, []byte("fLaC"))
	if sig < 0 {
		return layout, ErrNoFLACSignature
	}
	layout.SignatureOffset = sig

	pos := sig + 4
	for {
		if pos+4 > len(data) {
			return layout, ErrTruncatedMetadata
		}
		hdr := data[pos]
		last := hdr&0x80 != 0
		blockType := int(hdr & 0x7F)
		length := int(data[pos+1])<<16 | int(data[pos+2])<<8 | int(data[pos+3])
		if blockType == flacBlockInvalid {
			return layout, fmt.Errorf("invalid metadata block type at offset %d", pos)
		}
		body := pos + 4
		if body+length > len(data) {
			return layout, ErrTruncatedMetadata
		}
		if blockType == flacBlockStreamInfo && length >= 18 {
			si := data[body : body+length]
			layout.SampleRate = int(si[10])<<12 | int(si[11])<<4 | int(si[12])>>4
			layout.Channels = int((si[12]>>1)&0x07) + 1
			if layout.Blocks == 0 {
				layout.StreamInfoEnd = body + length
			}
		}
		layout.Blocks++
		pos = body + length
		if last {
			break
		}
	}
	layout.AudioStart = pos
	return layout, nil
}

// IsFrameSync reports whether b0,b1 look like a FLAC frame sync code: 0xFF followed by a byte whose top 5 bits are set.
func IsFrameSync(b0, b1 byte) bool {
	return b0 == 0xFF && b1&0xF8 == 0xF8
}
