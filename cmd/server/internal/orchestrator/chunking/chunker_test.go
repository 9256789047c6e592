package chunking

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/audioformat"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/audioformat/audiotest"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/pipeerr"
	"github.com/houzhh15/lexscribe/pkg/logger"
)

func source(data []byte, name string) (audioformat.AudioSource, audioformat.FormatInfo) {
	src := audioformat.AudioSource{Data: data, FileName: name}
	return src, audioformat.Detect(src)
}

func split(t *testing.T, src audioformat.AudioSource, info audioformat.FormatInfo, chunkBytes int64) ([]ChunkSpec, string) {
	t.Helper()
	specs, mode, err := Split(src, info, chunkBytes, logger.Discard())
	require.NoError(t, err)
	require.NotEmpty(t, specs)
	return specs, mode
}

// assertReconstructs checks that the ranges are contiguous and rebuild the source exactly.
func assertReconstructs(t *testing.T, data []byte, specs []ChunkSpec) {
	t.Helper()
	var rebuilt bytes.Buffer
	var pos int64
	for i, s := range specs {
		assert.Equal(t, i, s.Index)
		assert.Equal(t, pos, s.Start, "chunk %d must start where the previous ended", i)
		assert.Greater(t, s.End, s.Start)
		assert.Equal(t, i == len(specs)-1, s.IsLast)
		rebuilt.Write(data[s.Start:s.End])
		pos = s.End
	}
	assert.Equal(t, data, rebuilt.Bytes())
}

func TestSplit_RawReconstructs(t *testing.T) {
	data := audiotest.MP3WithID3(100, 50_000)
	src, info := source(data, "talk.mp3")

	for _, size := range []int64{1, 999, 4096, 70_000} {
		specs, mode := split(t, src, info, size)
		assert.Equal(t, ModeRaw, mode)
		assertReconstructs(t, data, specs)
		for _, s := range specs {
			assert.Nil(t, s.Header)
		}
	}
}

func TestSplit_WAVAlignsAndReplicatesHeader(t *testing.T) {
	data := audiotest.WAV(16000, 10_001)
	src, info := source(data, "call.wav")

	specs, mode := split(t, src, info, 1001)
	assert.Equal(t, ModeWAV, mode)
	assertReconstructs(t, data, specs)
	require.Greater(t, len(specs), 5)

	for _, s := range specs {
		assert.False(t, s.Degraded)
		if !s.IsLast {
			assert.Zero(t, (s.End-44)%2, "cut %d must fall on a sample boundary", s.End)
		}
		if s.Index > 0 {
			assert.Equal(t, data[:44], s.Header)
		}

		payload := Assemble(src, s, info)
		assert.LessOrEqual(t, int64(len(payload)), int64(1001))
		hdr, err := audioformat.ParseWAVHeader(payload)
		require.NoError(t, err, "chunk %d", s.Index)
		assert.Equal(t, len(payload)-44, hdr.DataSize)
		assert.Equal(t, uint32(len(payload)-8), binary.LittleEndian.Uint32(payload[4:8]))
		assert.Equal(t, uint32(len(payload)-44), binary.LittleEndian.Uint32(payload[40:44]))
	}
}

func TestSplit_WAVCutsAtAppendedRIFF(t *testing.T) {
	first := audiotest.WAV(16000, 3000)
	second := audiotest.WAV(16000, 3000)
	data := append(append([]byte(nil), first...), second...)
	src, info := source(data, "joined.wav")

	// naive cut lands a few hundred bytes after the second header
	specs, _ := split(t, src, info, 3400)
	assertReconstructs(t, data, specs)

	require.GreaterOrEqual(t, len(specs), 2)
	assert.Equal(t, int64(len(first)), specs[1].Start)
	assert.Nil(t, specs[1].Header)
	assert.Equal(t, []byte("RIFF"), Assemble(src, specs[1], info)[:4])
}

func TestSplit_FLACFrameBoundaries(t *testing.T) {
	data := audiotest.FLAC(16000, 200, 700)
	src, info := source(data, "deposition.flac")

	specs, mode := split(t, src, info, 5000)
	assert.Equal(t, ModeFLAC, mode)
	assertReconstructs(t, data, specs)

	header := data[:audiotest.FLACHeaderLen]
	for _, s := range specs {
		assert.False(t, s.Degraded)
		payload := Assemble(src, s, info)
		assert.True(t, bytes.HasPrefix(payload, []byte("fLaC")), "chunk %d", s.Index)
		if s.Index == 0 {
			continue
		}
		assert.Equal(t, header, s.Header)
		assert.True(t, audioformat.IsFrameSync(payload[len(header)], payload[len(header)+1]), "chunk %d must start on a frame", s.Index)
		assert.Zero(t, (s.Start-int64(audiotest.FLACHeaderLen))%700)
	}
}

func TestSplit_FLACDegradedWhenNoSyncNearby(t *testing.T) {
	data := audiotest.FLAC(16000, 4, 5000)
	src, info := source(data, "long-frames.flac")

	specs, _ := split(t, src, info, 3000)
	assertReconstructs(t, data, specs)
	assert.True(t, specs[0].Degraded)
}

func TestSplit_FLACEdgeCases(t *testing.T) {
	t.Run("metadata only", func(t *testing.T) {
		src, info := source(audiotest.FLAC(16000, 0, 0), "empty.flac")
		_, _, err := Split(src, info, 1000, logger.Discard())
		require.Error(t, err)
		assert.Equal(t, pipeerr.UnsupportedFormat, pipeerr.KindOf(err))
	})

	t.Run("truncated metadata splits raw", func(t *testing.T) {
		data := audiotest.FLAC(16000, 1, 10)[:30]
		src, info := source(data, "cut.flac")
		specs, mode := split(t, src, info, 8)
		assert.Equal(t, ModeRaw, mode)
		assertReconstructs(t, data, specs)
	})

	t.Run("declared flac without signature splits raw", func(t *testing.T) {
		data := bytes.Repeat([]byte{1, 2, 3}, 100)
		src := audioformat.AudioSource{Data: data, FileName: "fake.flac"}
		info := audioformat.Detect(src)
		require.Equal(t, audioformat.FLAC, info.Container)
		specs, mode := split(t, src, info, 64)
		assert.Equal(t, ModeRaw, mode)
		assertReconstructs(t, data, specs)
	})
}

func TestSplit_LargeFLACProducesFramedChunks(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates 40 MiB")
	}
	data := audiotest.FLAC(16000, 40*MiB/1000, 1000)
	src, info := source(data, "hearing.flac")

	plan := Plan(src.Size(), info, DefaultPlannerConfig())
	assert.Equal(t, StrategyStandard, plan.Strategy)

	specs, _ := split(t, src, info, plan.ChunkByteCeiling)
	assert.GreaterOrEqual(t, len(specs), 5)
	assertReconstructs(t, data, specs)
	for _, s := range specs {
		payload := Assemble(src, s, info)
		assert.True(t, bytes.HasPrefix(payload, []byte("fLaC")))
		assert.LessOrEqual(t, int64(len(payload)), plan.ChunkByteCeiling)
	}
}

func TestSplit_FLACCoverArtIsNotReplicated(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates 30 MiB")
	}
	cfg := DefaultPlannerConfig()
	data := audiotest.FLACWithPicture(44100, 4*MiB, 26*MiB/1000, 1000)
	src, info := source(data, "album-track.flac")
	layout, err := audioformat.ParseFLAC(data)
	require.NoError(t, err)

	plan := Plan(src.Size(), info, cfg)
	require.Equal(t, StrategyStandard, plan.Strategy)

	specs, mode := split(t, src, info, plan.ChunkByteCeiling)
	assert.Equal(t, ModeFLAC, mode)
	require.Greater(t, len(specs), 1)
	assert.Equal(t, int64(layout.AudioStart), specs[0].Start, "metadata beyond STREAMINFO is dropped")
	assert.Equal(t, src.Size(), specs[len(specs)-1].End)

	for i, s := range specs {
		if i > 0 {
			assert.Equal(t, specs[i-1].End, s.Start)
		}
		assert.LessOrEqual(t, float64(s.PayloadLen())*cfg.ExpansionFactor, float64(cfg.PayloadCeiling), "chunk %d", i)
		assert.True(t, cfg.Fits(s.PayloadLen()), "chunk %d", i)

		payload := Assemble(src, s, info)
		require.True(t, bytes.HasPrefix(payload, []byte("fLaC")), "chunk %d", i)
		chunkLayout, err := audioformat.ParseFLAC(payload)
		require.NoError(t, err, "chunk %d", i)
		assert.Equal(t, 1, chunkLayout.Blocks)
		assert.Equal(t, 44100, chunkLayout.SampleRate)
		assert.True(t, audioformat.IsFrameSync(payload[chunkLayout.AudioStart], payload[chunkLayout.AudioStart+1]), "chunk %d", i)
	}
}

func TestSplit_WAVLargeHeaderUsesCanonicalHeader(t *testing.T) {
	data := audiotest.WAVWithList(16000, 1000)
	src, info := source(data, "tagged.wav")
	hdr, err := audioformat.ParseWAVHeader(data)
	require.NoError(t, err)
	require.Greater(t, hdr.DataOffset, 50)

	specs, _ := split(t, src, info, 100)
	assert.Equal(t, int64(hdr.DataOffset), specs[0].Start)
	for _, s := range specs {
		assert.Len(t, s.Header, 44)
		payload := Assemble(src, s, info)
		assert.LessOrEqual(t, len(payload), 100)
		got, err := audioformat.ParseWAVHeader(payload)
		require.NoError(t, err, "chunk %d", s.Index)
		assert.Equal(t, len(payload)-44, got.DataSize)
	}
}

func TestNewIterator_HeaderLargerThanChunk(t *testing.T) {
	src, info := source(audiotest.FLAC(16000, 10, 100), "tiny.flac")
	_, err := NewIterator(src, info, 30, logger.Discard())
	require.Error(t, err)
	assert.Equal(t, pipeerr.PayloadTooLarge, pipeerr.KindOf(err))
}

func TestCountMatchesSplit(t *testing.T) {
	data := audiotest.WAV(16000, 3*64*KiB-44)
	src, info := source(data, "three.wav")

	n, err := Count(src, info, 64*KiB, logger.Discard())
	require.NoError(t, err)
	specs, _ := split(t, src, info, 64*KiB)
	assert.Equal(t, len(specs), n)
	assert.Equal(t, 4, n, "replicated headers push the last bytes into a fourth chunk")
	assert.Equal(t, 3, Plan(src.Size(), info, PlannerConfig{PayloadCeiling: 164 * KiB, ExpansionFactor: 1, SafetyMargin: 100 * KiB}).ChunkCount)
}

func TestMaterialize(t *testing.T) {
	data := audiotest.WAV(16000, 20_000)
	src, info := source(data, "a.wav")

	it, err := NewIterator(src, info, 4096, logger.Discard())
	require.NoError(t, err)
	list, err := Materialize(it, 0)
	require.NoError(t, err)
	assert.Equal(t, len(list.Specs()), list.Len())

	var n int
	for {
		c, ok := list.NextChunk()
		if !ok {
			break
		}
		assert.Equal(t, n, c.Spec.Index)
		assert.Equal(t, Assemble(src, c.Spec, info), c.Payload)
		n++
	}
	assert.Equal(t, list.Len(), n)

	it, err = NewIterator(src, info, 4096, logger.Discard())
	require.NoError(t, err)
	_, err = Materialize(it, 10_000)
	assert.ErrorIs(t, err, ErrMemoryBudget)
}

func TestChunkIterator_StreamsLazily(t *testing.T) {
	data := audiotest.PCM(10_000)
	src := audioformat.AudioSource{Data: data, FileName: "blob.bin", MIMEType: "application/octet-stream"}
	info := audioformat.Detect(src)

	it, err := NewIterator(src, info, 3000, logger.Discard())
	require.NoError(t, err)

	var got [][]byte
	for {
		c, ok := it.NextChunk()
		if !ok {
			break
		}
		got = append(got, c.Payload)
	}
	assert.Equal(t, data, bytes.Join(got, nil))
	assert.Len(t, got, 4)

	_, ok := it.Next()
	assert.False(t, ok, "exhausted iterator stays exhausted")
}
