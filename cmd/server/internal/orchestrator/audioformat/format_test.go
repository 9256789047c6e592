package audioformat_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/audioformat"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/audioformat/audiotest"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/pipeerr"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name       string
		src        audioformat.AudioSource
		container  audioformat.Container
		encoding   string
		sampleRate int
		detectedBy string
	}{
		{
			name:       "wav signature beats mime",
			src:        audioformat.AudioSource{Data: audiotest.WAV(22050, 100), MIMEType: "audio/mpeg"},
			container:  audioformat.WAV,
			encoding:   audioformat.EncodingLinear16,
			sampleRate: 22050,
			detectedBy: audioformat.BySignature,
		},
		{
			name:       "flac signature reads streaminfo rate",
			src:        audioformat.AudioSource{Data: audiotest.FLAC(44100, 4, 64)},
			container:  audioformat.FLAC,
			encoding:   audioformat.EncodingFLAC,
			sampleRate: 44100,
			detectedBy: audioformat.BySignature,
		},
		{
			name:       "flac signature after id3 tag",
			src:        audioformat.AudioSource{Data: append([]byte("ID3\x04\x00\x00\x00\x00\x00\x05xxxxx"), audiotest.FLAC(16000, 2, 32)...)},
			container:  audioformat.FLAC,
			encoding:   audioformat.EncodingFLAC,
			sampleRate: 16000,
			detectedBy: audioformat.BySignature,
		},
		{
			name:       "mp3 id3 tag",
			src:        audioformat.AudioSource{Data: audiotest.MP3WithID3(20, 100)},
			container:  audioformat.MP3,
			encoding:   audioformat.EncodingMP3,
			sampleRate: 44100,
			detectedBy: audioformat.BySignature,
		},
		{
			name:       "ogg signature",
			src:        audioformat.AudioSource{Data: []byte("OggS\x00\x02rest")},
			container:  audioformat.OGG,
			encoding:   audioformat.EncodingOggOpus,
			sampleRate: 48000,
			detectedBy: audioformat.BySignature,
		},
		{
			name:       "mime with parameters",
			src:        audioformat.AudioSource{Data: []byte("garbage"), MIMEType: "audio/amr; rate=8000"},
			container:  audioformat.AMR,
			encoding:   audioformat.EncodingAMR,
			sampleRate: 8000,
			detectedBy: audioformat.ByMIME,
		},
		{
			name:       "extension",
			src:        audioformat.AudioSource{Data: []byte("garbage"), FileName: "meeting.WEBM"},
			container:  audioformat.WEBM,
			encoding:   audioformat.EncodingWebmOpus,
			sampleRate: 48000,
			detectedBy: audioformat.ByExtension,
		},
		{
			name:       "nothing declared falls back to wav",
			src:        audioformat.AudioSource{Data: []byte("garbage")},
			container:  audioformat.WAV,
			encoding:   audioformat.EncodingLinear16,
			sampleRate: 16000,
			detectedBy: audioformat.ByFallback,
		},
		{
			name:       "declared but unknown",
			src:        audioformat.AudioSource{Data: []byte("garbage"), MIMEType: "text/plain", FileName: "notes.txt"},
			container:  audioformat.Unknown,
			encoding:   audioformat.EncodingUnspecified,
			sampleRate: 16000,
			detectedBy: audioformat.ByFallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := audioformat.Detect(tt.src)
			assert.Equal(t, tt.container, info.Container)
			assert.Equal(t, tt.encoding, info.EncodingCode)
			assert.Equal(t, tt.sampleRate, info.DefaultSampleRateHz)
			assert.Equal(t, tt.detectedBy, info.DetectedBy)
		})
	}
}

func TestDetect_MulawWAV(t *testing.T) {
	data := audiotest.WAV(8000, 64)
	binary.LittleEndian.PutUint16(data[20:22], 7)

	info := audioformat.Detect(audioformat.AudioSource{Data: data})
	assert.Equal(t, audioformat.EncodingMulaw, info.EncodingCode)
	assert.Equal(t, 8000, info.DefaultSampleRateHz)
}

func TestParseWAVHeader(t *testing.T) {
	hdr, err := audioformat.ParseWAVHeader(audiotest.WAVWithList(16000, 1000))
	require.NoError(t, err)

	assert.Equal(t, uint16(1), hdr.NumChannels)
	assert.Equal(t, uint32(16000), hdr.SampleRate)
	assert.Equal(t, uint32(32000), hdr.ByteRate)
	assert.Equal(t, uint16(2), hdr.BlockAlign)
	assert.Equal(t, 44+18, hdr.DataOffset)
	assert.Equal(t, 1000, hdr.DataSize)

	_, err = audioformat.ParseWAVHeader([]byte("RIFF\x00\x00\x00\x00AVI "))
	assert.ErrorIs(t, err, audioformat.ErrNotWAV)
}

func TestParseWAVHeader_ClampsDataSize(t *testing.T) {
	data := audiotest.WAV(16000, 100)
	binary.LittleEndian.PutUint32(data[40:44], 0xFFFFFFFF)

	hdr, err := audioformat.ParseWAVHeader(data)
	require.NoError(t, err)
	assert.Equal(t, 100, hdr.DataSize)
}

func TestPatchWAVSizes(t *testing.T) {
	original := audiotest.WAV(16000, 10)
	header := original[:44]

	patched := audioformat.PatchWAVSizes(header, 500)

	assert.Equal(t, uint32(36+500), binary.LittleEndian.Uint32(patched[4:8]))
	assert.Equal(t, uint32(500), binary.LittleEndian.Uint32(patched[40:44]))
	assert.Equal(t, uint32(10), binary.LittleEndian.Uint32(header[40:44]), "input must not be modified")

	assert.Equal(t, []byte("junk"), audioformat.PatchWAVSizes([]byte("junk"), 10))
}

func TestParseFLAC(t *testing.T) {
	data := audiotest.FLAC(48000, 3, 100)

	layout, err := audioformat.ParseFLAC(data)
	require.NoError(t, err)
	assert.Equal(t, 0, layout.SignatureOffset)
	assert.Equal(t, audiotest.FLACHeaderLen, layout.AudioStart)
	assert.Equal(t, audiotest.FLACHeaderLen, layout.HeaderLen())
	assert.Equal(t, 48000, layout.SampleRate)
	assert.Equal(t, 1, layout.Channels)
	assert.Equal(t, 2, layout.Blocks)
	assert.True(t, audioformat.IsFrameSync(data[layout.AudioStart], data[layout.AudioStart+1]))
}

func TestFLACLayout_MinimalHeaderDropsPicture(t *testing.T) {
	data := append([]byte("ID3junk"), audiotest.FLACWithPicture(16000, 300_000, 3, 100)...)

	layout, err := audioformat.ParseFLAC(data)
	require.NoError(t, err)
	assert.Equal(t, 3, layout.Blocks)
	assert.Greater(t, layout.HeaderLen(), 300_000)

	minimal := layout.MinimalHeader(data)
	require.Len(t, minimal, 4+4+34)
	assert.Equal(t, []byte("fLaC"), minimal[:4])
	assert.Equal(t, byte(0x80), minimal[4], "STREAMINFO must be flagged last")
	assert.Equal(t, byte(0x00), data[layout.SignatureOffset+4], "input must not be modified")

	reparsed, err := audioformat.ParseFLAC(minimal)
	require.NoError(t, err)
	assert.Equal(t, 1, reparsed.Blocks)
	assert.Equal(t, 16000, reparsed.SampleRate)
	assert.Equal(t, len(minimal), reparsed.AudioStart)
}

func TestParseFLAC_Errors(t *testing.T) {
	_, err := audioformat.ParseFLAC([]byte("RIFF0000WAVE"))
	assert.ErrorIs(t, err, audioformat.ErrNoFLACSignature)

	data := audiotest.FLAC(16000, 1, 10)
	_, err = audioformat.ParseFLAC(data[:20])
	assert.ErrorIs(t, err, audioformat.ErrTruncatedMetadata)
}

func TestIsFrameSync(t *testing.T) {
	assert.True(t, audioformat.IsFrameSync(0xFF, 0xF8))
	assert.True(t, audioformat.IsFrameSync(0xFF, 0xF9))
	assert.False(t, audioformat.IsFrameSync(0xFF, 0xF0))
	assert.False(t, audioformat.IsFrameSync(0xFE, 0xF8))
}

func TestPreprocess_WAVDropsExtraChunks(t *testing.T) {
	src := audioformat.AudioSource{Data: audiotest.WAVWithList(16000, 400), FileName: "a.wav"}
	before := append([]byte(nil), src.Data...)

	out, info, err := audioformat.Preprocess(src, audioformat.Detect(src))
	require.NoError(t, err)

	assert.Equal(t, audiotest.WAV(16000, 400), out.Data)
	assert.Equal(t, 44, info.WAV.DataOffset)
	assert.Equal(t, before, src.Data, "source must stay untouched")
}

func TestPreprocess_CanonicalWAVUnchanged(t *testing.T) {
	src := audioformat.AudioSource{Data: audiotest.WAV(16000, 400)}
	out, _, err := audioformat.Preprocess(src, audioformat.Detect(src))
	require.NoError(t, err)
	assert.Equal(t, src.Data, out.Data)
}

func TestPreprocess_MP3StripsID3(t *testing.T) {
	src := audioformat.AudioSource{Data: audiotest.MP3WithID3(30, 200)}
	out, info, err := audioformat.Preprocess(src, audioformat.Detect(src))
	require.NoError(t, err)

	assert.Len(t, out.Data, 200)
	assert.Equal(t, byte(0xFF), out.Data[0])
	assert.Equal(t, audioformat.MP3, info.Container)
}

func TestPreprocess_Failures(t *testing.T) {
	tests := []struct {
		name string
		src  audioformat.AudioSource
	}{
		{"unknown container", audioformat.AudioSource{Data: []byte("text"), FileName: "a.txt"}},
		{"flac without frames", audioformat.AudioSource{Data: audiotest.FLAC(16000, 0, 0)}},
		{"mp3 that is only a tag", audioformat.AudioSource{Data: audiotest.MP3WithID3(10, 0)}},
		{"wav without data", audioformat.AudioSource{Data: audiotest.WAV(16000, 0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := audioformat.Preprocess(tt.src, audioformat.Detect(tt.src))
			require.Error(t, err)
			assert.Equal(t, pipeerr.UnsupportedFormat, pipeerr.KindOf(err))
		})
	}
}
