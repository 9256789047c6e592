// Package transcript merges per-chunk recognition results into one transcript with
// continuous timing and batch-wide speaker ids.
package transcript

import (
	"sort"
	"strings"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/pipeerr"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/speech"
)

// Fragment is the result of one successfully processed chunk.
type Fragment struct {
	ChunkIndex int           `json:"chunk_index"`
	Text       string        `json:"text"`
	Words      []speech.Word `json:"words"`

	// ByteLength is the number of source audio bytes the chunk covered, header excluded
	ByteLength int64 `json:"byte_length"`
}

// Word is a word on the batch timeline.
type Word struct {
	Text       string  `json:"word"`
	StartSec   float64 `json:"start_sec"`
	EndSec     float64 `json:"end_sec"`
	Speaker    *int    `json:"speaker,omitempty"`
	ChunkIndex int     `json:"chunk_index"`
	Confidence float64 `json:"confidence"`
}

// Merged is the final transcript of a batch.
type Merged struct {
	Text         string  `json:"text"`
	Words        []Word  `json:"words"`
	SpeakerCount int     `json:"speaker_count"`
	DurationSec  float64 `json:"duration_sec"`

	// Chunks lists the chunk indices that contributed, in order
	Chunks []int `json:"chunks"`
}

// Options tune duration estimation for fragments without word timing.
type Options struct {
	// BytesPerSecond is the container byte rate when known (WAV); 0 otherwise
	BytesPerSecond float64
}

// Merge joins fragments in chunk order regardless of the order they are passed in.
// Each fragment's words are shifted by the summed duration of the fragments before it
// and its local speaker labels are mapped to batch-wide ids in first-seen order.
// Speakers are not matched across chunks.
func Merge(fragments []Fragment, opts Options) (*Merged, error) {
	if len(fragments) == 0 {
		return nil, pipeerr.New(pipeerr.NoUsableTranscript, "no chunk produced a transcript")
	}

	ordered := make([]Fragment, len(fragments))
	copy(ordered, fragments)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ChunkIndex < ordered[j].ChunkIndex })

	secPerByte := secondsPerByte(ordered, opts)
	speakers := NewSpeakerMap()
	out := &Merged{}
	texts := make([]string, 0, len(ordered))
	var offset float64

	for _, f := range ordered {
		out.Chunks = append(out.Chunks, f.ChunkIndex)

		text := strings.TrimSpace(f.Text)
		if text == "" && len(f.Words) > 0 {
			text = joinWords(f.Words)
		}
		if text != "" {
			texts = append(texts, text)
		}

		for _, w := range f.Words {
			mw := Word{
				Text:       w.Text,
				StartSec:   offset + w.StartSec,
				EndSec:     offset + w.EndSec,
				ChunkIndex: f.ChunkIndex,
				Confidence: w.Confidence,
			}
			if w.Speaker != nil {
				g := speakers.Global(f.ChunkIndex, *w.Speaker)
				mw.Speaker = &g
			}
			out.Words = append(out.Words, mw)
		}
		offset += fragmentDuration(f, secPerByte)
	}

	out.Text = strings.Join(texts, " ")
	out.SpeakerCount = speakers.Count()
	out.DurationSec = offset
	return out, nil
}

// fragmentDuration is the end of the last word, or an estimate from the byte length.
func fragmentDuration(f Fragment, secPerByte float64) float64 {
	if d := lastWordEnd(f.Words); d > 0 {
		return d
	}
	return float64(f.ByteLength) * secPerByte
}

func lastWordEnd(words []speech.Word) float64 {
	var end float64
	for _, w := range words {
		end = max(end, w.EndSec)
	}
	return end
}

// secondsPerByte is learned from fragments that have word timing; the container byte rate is the fallback.
func secondsPerByte(fragments []Fragment, opts Options) float64 {
	var secs float64
	var n int64
	for _, f := range fragments {
		if d := lastWordEnd(f.Words); d > 0 && f.ByteLength > 0 {
			secs += d
			n += f.ByteLength
		}
	}
	if n > 0 {
		return secs / float64(n)
	}
	if opts.BytesPerSecond > 0 {
		return 1 / opts.BytesPerSecond
	}
	return 0
}

func joinWords(words []speech.Word) string {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		if t := strings.TrimSpace(w.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
