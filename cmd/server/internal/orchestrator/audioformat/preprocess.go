package audioformat

import (
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/pipeerr"
)

// Preprocess repackages the container so the speech API sees a minimal, well-formed stream.
// No audio is decoded: MP3 loses a leading ID3v2 tag, WAV loses sub-chunks other than fmt/data,
// FLAC is validated. The original source is left untouched; a new one is returned.
// An UnsupportedFormat error tells the caller to upload the file unmodified instead.
func Preprocess(src AudioSource, info FormatInfo) (AudioSource, FormatInfo, error) {
	switch info.Container {
	case WAV:
		hdr, err := ParseWAVHeader(src.Data)
		if err != nil {
			return src, info, pipeerr.Wrap(pipeerr.UnsupportedFormat, "cannot parse WAV header", err)
		}
		if hdr.DataSize == 0 {
			return src, info, pipeerr.New(pipeerr.UnsupportedFormat, "WAV file has no audio data")
		}
		header := CanonicalWAVHeader(src.Data, hdr)
		if len(header) == hdr.DataOffset && hdr.DataOffset+hdr.DataSize == len(src.Data) {
			return src, info, nil
		}
		out := make([]byte, 0, len(header)+hdr.DataSize)
		out = append(out, header...)
		out = append(out, src.Data[hdr.DataOffset:hdr.DataOffset+hdr.DataSize]...)
		next := AudioSource{Data: out, MIMEType: src.MIMEType, FileName: src.FileName}
		return next, Detect(next), nil

	case MP3:
		skip := id3v2Length(src.Data)
		if skip == 0 {
			return src, info, nil
		}
		if skip >= len(src.Data) {
			return src, info, pipeerr.New(pipeerr.UnsupportedFormat, "MP3 file contains only an ID3 tag")
		}
		out := make([]byte, len(src.Data)-skip)
		copy(out, src.Data[skip:])
		next := AudioSource{Data: out, MIMEType: src.MIMEType, FileName: src.FileName}
		nextInfo := info
		nextInfo.DetectedBy = BySignature
		return next, nextInfo, nil

	case FLAC:
		layout, err := ParseFLAC(src.Data)
		if err != nil {
			return src, info, pipeerr.Wrap(pipeerr.UnsupportedFormat, "cannot parse FLAC metadata", err)
		}
		if layout.AudioStart >= len(src.Data) {
			return src, info, pipeerr.New(pipeerr.UnsupportedFormat, "FLAC file has no audio frames")
		}
		return src, info, nil

	case Unknown:
		return src, info, pipeerr.New(pipeerr.UnsupportedFormat, "unrecognised container")
	}
	return src, info, nil
}

// id3v2Length returns the size of a leading ID3v2 tag (header, syncsafe body, optional footer) or 0.
func id3v2Length(data []byte) int {
	if len(data) < 10 || string(data[0:3]) != "ID3" {
		return 0
	}
	size := int(data[6]&0x7F)<<21 | int(data[7]&0x7F)<<14 | int(data[8]&0x7F)<<7 | int(data[9]&0x7F)
	total := 10 + size
	if data[5]&0x10 != 0 {
		total += 10
	}
	return total
}
