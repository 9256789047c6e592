// Package audioformat detects the container and encoding of an uploaded audio file and
// repackages container headers without touching encoded audio.
package audioformat

import (
	"bytes"
	"mime"
	"path/filepath"
	"strings"
)

// Container identifies an audio container family.
type Container string

const (
	WAV     Container = "WAV"
	FLAC    Container = "FLAC"
	MP3     Container = "MP3"
	OGG     Container = "OGG"
	AMR     Container = "AMR"
	WEBM    Container = "WEBM"
	Unknown Container = "UNKNOWN"
)

// Encoding codes understood by the speech API.
const (
	EncodingLinear16    = "LINEAR16"
	EncodingMulaw       = "MULAW"
	EncodingFLAC        = "FLAC"
	EncodingMP3         = "MP3"
	EncodingOggOpus     = "OGG_OPUS"
	EncodingAMR         = "AMR"
	EncodingWebmOpus    = "WEBM_OPUS"
	EncodingUnspecified = "ENCODING_UNSPECIFIED"
)

// Detection sources, most to least reliable.
const (
	BySignature = "signature"
	ByMIME      = "mime"
	ByExtension = "extension"
	ByFallback  = "fallback"
)

// AudioSource is an immutable uploaded file. The pipeline never writes to Data.
type AudioSource struct {
	Data     []byte
	MIMEType string
	FileName string
}

// Size returns the byte length of the source.
func (s AudioSource) Size() int64 { return int64(len(s.Data)) }

// FormatInfo describes how the source is encoded.
type FormatInfo struct {
	Container           Container  `json:"container"`
	EncodingCode        string     `json:"encoding"`
	DefaultSampleRateHz int        `json:"sample_rate_hz"`
	DetectedBy          string     `json:"detected_by"`
	WAV                 *WAVHeader `json:"wav,omitempty"`
}

// BytesPerSecond returns the audio byte rate when the container states it, else 0.
func (f FormatInfo) BytesPerSecond() float64 {
	if f.WAV != nil && f.WAV.ByteRate > 0 {
		return float64(f.WAV.ByteRate)
	}
	return 0
}

var defaults = map[Container]FormatInfo{
	WAV:     {Container: WAV, EncodingCode: EncodingLinear16, DefaultSampleRateHz: 16000},
	FLAC:    {Container: FLAC, EncodingCode: EncodingFLAC, DefaultSampleRateHz: 16000},
	MP3:     {Container: MP3, EncodingCode: EncodingMP3, DefaultSampleRateHz: 44100},
	OGG:     {Container: OGG, EncodingCode: EncodingOggOpus, DefaultSampleRateHz: 48000},
	AMR:     {Container: AMR, EncodingCode: EncodingAMR, DefaultSampleRateHz: 8000},
	WEBM:    {Container: WEBM, EncodingCode: EncodingWebmOpus, DefaultSampleRateHz: 48000},
	Unknown: {Container: Unknown, EncodingCode: EncodingUnspecified, DefaultSampleRateHz: 16000},
}

var mimeTypes = map[string]Container{
	"audio/wav":       WAV,
	"audio/x-wav":     WAV,
	"audio/wave":      WAV,
	"audio/vnd.wave":  WAV,
	"audio/flac":      FLAC,
	"audio/x-flac":    FLAC,
	"audio/mpeg":      MP3,
	"audio/mp3":       MP3,
	"audio/ogg":       OGG,
	"application/ogg": OGG,
	"audio/opus":      OGG,
	"audio/amr":       AMR,
	"audio/webm":      WEBM,
	"video/webm":      WEBM,
}

var extensions = map[string]Container{
	".wav":  WAV,
	".wave": WAV,
	".flac": FLAC,
	".mp3":  MP3,
	".ogg":  OGG,
	".oga":  OGG,
	".opus": OGG,
	".amr":  AMR,
	".webm": WEBM,
}

// flacSignatureWindow is how far into the file the fLaC marker may start (ID3 tags can precede it).
const flacSignatureWindow = 100

// Detect inspects signature, MIME type and file extension, in that order.
// It never fails: undeclared input falls back to WAV/LINEAR16, and declared but
// unrecognised input is reported as Unknown with an unspecified encoding.
func Detect(src AudioSource) FormatInfo {
	if c := sniff(src.Data); c != Unknown {
		return withDetails(c, BySignature, src.Data)
	}
	if c, ok := fromMIME(src.MIMEType); ok {
		return withDetails(c, ByMIME, src.Data)
	}
	ext := strings.ToLower(filepath.Ext(src.FileName))
	if c, ok := extensions[ext]; ok {
		return withDetails(c, ByExtension, src.Data)
	}
	if strings.TrimSpace(src.MIMEType) == "" && ext == "" {
		return withDetails(WAV, ByFallback, src.Data)
	}
	info := defaults[Unknown]
	info.DetectedBy = ByFallback
	return info
}

func withDetails(c Container, by string, data []byte) FormatInfo {
	info := defaults[c]
	info.DetectedBy = by
	switch c {
	case WAV:
		if hdr, err := ParseWAVHeader(data); err == nil {
			info.WAV = &hdr
			if hdr.SampleRate > 0 {
				info.DefaultSampleRateHz = int(hdr.SampleRate)
			}
			if hdr.AudioFormat == wavFormatMulaw {
				info.EncodingCode = EncodingMulaw
			}
		}
	case FLAC:
		if layout, err := ParseFLAC(data); err == nil && layout.SampleRate > 0 {
			info.DefaultSampleRateHz = layout.SampleRate
		}
	}
	return info
}

func sniff(data []byte) Container {
	window := data
	if len(window) > flacSignatureWindow {
		window = window[:flacSignatureWindow]
	}
	switch {
	case bytes.Contains(window, []byte("fLaC")):
		return FLAC
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return WAV
	case bytes.HasPrefix(data, []byte("OggS")):
		return OGG
	case bytes.HasPrefix(data, []byte("#!AMR")):
		return AMR
	case bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return WEBM
	case bytes.HasPrefix(data, []byte("ID3")):
		return MP3
	case len(data) >= 2 && isMPEGFrameSync(data[0], data[1]):
		return MP3
	}
	return Unknown
}

// isMPEGFrameSync matches an MPEG audio frame header: 11 sync bits, a valid version and a non-reserved layer.
func isMPEGFrameSync(b0, b1 byte) bool {
	if b0 != 0xFF || b1&0xE0 != 0xE0 {
		return false
	}
	version := (b1 >> 3) & 0x03
	layer := (b1 >> 1) & 0x03
	return version != 0x01 && layer != 0x00
}

func fromMIME(mimeType string) (Container, bool) {
	if strings.TrimSpace(mimeType) == "" {
		return Unknown, false
	}
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(mimeType))
	}
	c, ok := mimeTypes[mediaType]
	return c, ok
}
