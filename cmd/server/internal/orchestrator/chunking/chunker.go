package chunking

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/audioformat"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/pipeerr"
	"github.com/houzhh15/lexscribe/pkg/logger"
)

const (
	// wavRIFFSearchWindow is how far back from a naive cut a RIFF marker is looked for.
	wavRIFFSearchWindow = 1024
	// flacSyncSearchWindow is how far forward from a naive cut a frame sync code is looked for.
	flacSyncSearchWindow = 2000
)

// ErrMemoryBudget is returned by Materialize when the assembled payloads do not fit the budget.
var ErrMemoryBudget = errors.New("chunk payloads exceed memory budget")

// Splitting modes chosen from the container.
const (
	ModeRaw  = "raw"
	ModeWAV  = "wav"
	ModeFLAC = "flac"
)

// ChunkSpec is one contiguous byte range of the source plus the container header
// that must be prepended to make it decodable on its own.
type ChunkSpec struct {
	Index    int    `json:"index"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Header   []byte `json:"-"`
	IsLast   bool   `json:"is_last"`
	Degraded bool   `json:"degraded"`
}

// Len is the number of source bytes covered.
func (c ChunkSpec) Len() int64 { return c.End - c.Start }

// PayloadLen is the size of the assembled payload.
func (c ChunkSpec) PayloadLen() int64 { return int64(len(c.Header)) + c.Len() }

// Chunk is a spec together with its assembled transport payload.
type Chunk struct {
	Spec    ChunkSpec
	Payload []byte
}

// Source yields assembled chunks in index order.
type Source interface {
	NextChunk() (Chunk, bool)
}

// ChunkIterator produces ChunkSpecs lazily. It is not safe for concurrent use.
type ChunkIterator struct {
	src    audioformat.AudioSource
	info   audioformat.FormatInfo
	mode   string
	step   int64
	header []byte
	// syncWindow is how far past a naive FLAC cut the frame search may go.
	syncWindow int64
	// leadIn counts bytes ahead of the header that chunk 0 carries (ID3 before fLaC).
	leadIn int64
	// headerAll is set when a minimal header replaces the original one; chunk 0 then gets it too.
	headerAll bool

	wav  *audioformat.WAVHeader
	flac audioformat.FLACLayout

	pos   int64
	index int
	done  bool
	log   *slog.Logger
}

// NewIterator selects the splitting mode for the container and prepares the header to replicate.
// Every payload it yields, replicated header included, stays within chunkBytes. When the
// container header is too large for that, only the parts a decoder needs are replicated;
// if even those do not fit the source fails with PayloadTooLarge.
// FLAC streams whose metadata ends at EOF fail with UnsupportedFormat.
func NewIterator(src audioformat.AudioSource, info audioformat.FormatInfo, chunkBytes int64, log *slog.Logger) (*ChunkIterator, error) {
	if log == nil {
		log = logger.L()
	}
	if chunkBytes <= 0 {
		chunkBytes = minChunkBytes
	}
	it := &ChunkIterator{src: src, info: info, mode: ModeRaw, step: chunkBytes, log: log}

	var minimal []byte
	var audioStart int64
	switch info.Container {
	case audioformat.WAV:
		hdr, err := audioformat.ParseWAVHeader(src.Data)
		if err != nil {
			log.Warn("WAV header unreadable, splitting raw", "file", src.FileName, "error", err)
			break
		}
		it.mode = ModeWAV
		it.wav = &hdr
		it.header = src.Data[:hdr.DataOffset]
		minimal = audioformat.CanonicalWAVHeader(src.Data, hdr)
		audioStart = int64(hdr.DataOffset)

	case audioformat.FLAC:
		layout, err := audioformat.ParseFLAC(src.Data)
		switch {
		case errors.Is(err, audioformat.ErrNoFLACSignature):
			log.Warn("fLaC signature not found, splitting raw", "file", src.FileName)
		case err != nil:
			log.Warn("FLAC metadata unreadable, splitting raw", "file", src.FileName, "error", err)
		case layout.AudioStart >= len(src.Data):
			return nil, pipeerr.New(pipeerr.UnsupportedFormat, "FLAC stream has metadata but no audio frames")
		default:
			it.mode = ModeFLAC
			it.flac = layout
			it.header = src.Data[layout.SignatureOffset:layout.AudioStart]
			minimal = layout.MinimalHeader(src.Data)
			audioStart = int64(layout.AudioStart)
		}
	}

	// 封面图等大块元数据不复制，只保留解码必需的部分
	if int64(len(it.header)) > chunkBytes/2 && len(minimal) > 0 && len(minimal) < len(it.header) {
		log.Info("container header too large to replicate, using minimal header",
			"file", src.FileName, "mode", it.mode, "header_bytes", len(it.header), "minimal_bytes", len(minimal))
		it.header = minimal
		it.headerAll = true
		it.pos = audioStart
	} else if it.mode == ModeFLAC {
		it.leadIn = int64(it.flac.SignatureOffset)
	}

	room := chunkBytes - int64(len(it.header))
	if room <= 0 {
		return nil, pipeerr.New(pipeerr.PayloadTooLarge,
			fmt.Sprintf("container header of %d bytes leaves no room for audio in a %d byte chunk", len(it.header), chunkBytes))
	}
	it.step = room
	if it.mode == ModeFLAC {
		// the forward frame search must stay inside the room too
		it.syncWindow = min(int64(flacSyncSearchWindow), room/2)
		it.step = room - it.syncWindow
	}
	return it, nil
}

// Mode returns the splitting mode in use.
func (it *ChunkIterator) Mode() string { return it.mode }

// Next returns the next chunk spec, or false once the source is exhausted.
func (it *ChunkIterator) Next() (ChunkSpec, bool) {
	size := int64(len(it.src.Data))
	if it.done || it.pos >= size {
		it.done = true
		return ChunkSpec{}, false
	}

	spec := ChunkSpec{Index: it.index, Start: it.pos}
	naive := it.pos + it.step
	if it.index > 0 || it.headerAll {
		spec.Header = it.header
	} else {
		naive -= it.leadIn
	}

	if naive >= size {
		spec.End = size
		spec.IsLast = true
	} else {
		spec.End, spec.Degraded = it.cut(naive)
		if spec.Degraded {
			it.log.Warn("degraded chunk boundary",
				"file", it.src.FileName, "mode", it.mode, "chunk", it.index, "offset", spec.End)
		}
	}

	// a chunk that starts on its own RIFF header carries it already
	if it.mode == ModeWAV && it.index > 0 && bytes.HasPrefix(it.src.Data[spec.Start:], []byte("RIFF")) {
		spec.Header = nil
	}

	it.pos = spec.End
	it.index++
	if spec.IsLast {
		it.done = true
	}
	return spec, true
}

// cut returns the boundary to use instead of naive and whether it had to fall back to naive.
func (it *ChunkIterator) cut(naive int64) (int64, bool) {
	data := it.src.Data
	size := int64(len(data))

	switch it.mode {
	case ModeWAV:
		// another RIFF stream appended to this one
		lo := max(naive-wavRIFFSearchWindow, it.pos+1)
		hi := min(naive+4, size)
		if lo < hi {
			if i := bytes.LastIndex(data[lo:hi], []byte("RIFF")); i >= 0 {
				return lo + int64(i), false
			}
		}
		dataStart := int64(it.wav.DataOffset)
		dataEnd := dataStart + int64(it.wav.DataSize)
		if naive <= dataStart || naive >= dataEnd {
			return naive, false
		}
		align := int64(it.wav.BlockAlign)
		if align <= 1 {
			return naive, align == 0
		}
		aligned := dataStart + (naive-dataStart)/align*align
		if aligned <= it.pos {
			return naive, true
		}
		return aligned, false

	case ModeFLAC:
		naive = max(naive, int64(it.flac.AudioStart))
		limit := min(naive+it.syncWindow, size-1)
		for i := naive; i < limit; i++ {
			if audioformat.IsFrameSync(data[i], data[i+1]) {
				return i, false
			}
		}
		return naive, true
	}
	return naive, false
}

// NextChunk assembles the next spec on demand.
func (it *ChunkIterator) NextChunk() (Chunk, bool) {
	spec, ok := it.Next()
	if !ok {
		return Chunk{}, false
	}
	return Chunk{Spec: spec, Payload: Assemble(it.src, spec, it.info)}, true
}

// Assemble builds the transport payload for spec: replicated header followed by the byte range.
// WAV sizes are rewritten so every chunk, the first included, describes only its own audio.
func Assemble(src audioformat.AudioSource, spec ChunkSpec, info audioformat.FormatInfo) []byte {
	body := src.Data[spec.Start:spec.End]
	out := make([]byte, 0, len(spec.Header)+len(body))

	if info.Container != audioformat.WAV || info.WAV == nil {
		out = append(out, spec.Header...)
		return append(out, body...)
	}

	dataOffset := info.WAV.DataOffset
	if len(spec.Header) > 0 {
		out = append(out, audioformat.PatchWAVSizes(spec.Header, len(body))...)
		return append(out, body...)
	}
	if spec.Start == 0 && int(spec.End) > dataOffset && !spec.IsLast {
		out = append(out, audioformat.PatchWAVSizes(body[:dataOffset], len(body)-dataOffset)...)
		return append(out, body[dataOffset:]...)
	}
	return append(out, body...)
}

// ChunkList is a materialised chunk sequence.
type ChunkList struct {
	chunks []Chunk
	next   int
}

// NextChunk returns chunks in order.
func (l *ChunkList) NextChunk() (Chunk, bool) {
	if l.next >= len(l.chunks) {
		return Chunk{}, false
	}
	c := l.chunks[l.next]
	l.next++
	return c, true
}

// Len returns the number of chunks.
func (l *ChunkList) Len() int { return len(l.chunks) }

// Specs returns the chunk specs in order.
func (l *ChunkList) Specs() []ChunkSpec {
	out := make([]ChunkSpec, len(l.chunks))
	for i, c := range l.chunks {
		out[i] = c.Spec
	}
	return out
}

// Materialize drains it and assembles every payload up front.
// A positive budget caps the total payload bytes; exceeding it returns ErrMemoryBudget
// and the caller is expected to fall back to streaming.
func Materialize(it *ChunkIterator, budget int64) (*ChunkList, error) {
	list := &ChunkList{}
	var total int64
	for {
		spec, ok := it.Next()
		if !ok {
			return list, nil
		}
		total += spec.PayloadLen()
		if budget > 0 && total > budget {
			return nil, ErrMemoryBudget
		}
		list.chunks = append(list.chunks, Chunk{Spec: spec, Payload: Assemble(it.src, spec, it.info)})
	}
}

// Count walks the specs of src without assembling payloads.
func Count(src audioformat.AudioSource, info audioformat.FormatInfo, chunkBytes int64, log *slog.Logger) (int, error) {
	it, err := NewIterator(src, info, chunkBytes, log)
	if err != nil {
		return 0, err
	}
	n := 0
	for {
		if _, ok := it.Next(); !ok {
			return n, nil
		}
		n++
	}
}

// Split is a convenience that returns every spec of src without assembling payloads.
func Split(src audioformat.AudioSource, info audioformat.FormatInfo, chunkBytes int64, log *slog.Logger) ([]ChunkSpec, string, error) {
	it, err := NewIterator(src, info, chunkBytes, log)
	if err != nil {
		return nil, "", err
	}
	var specs []ChunkSpec
	for {
		spec, ok := it.Next()
		if !ok {
			return specs, it.Mode(), nil
		}
		specs = append(specs, spec)
	}
}
