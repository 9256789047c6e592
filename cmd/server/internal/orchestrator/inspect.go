package orchestrator

import (
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/audioformat"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/chunking"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/pipeerr"
)

// Inspection describes how a file would be processed, without contacting the speech service.
type Inspection struct {
	FileName        string                 `json:"file_name"`
	Size            int64                  `json:"size"`
	Format          audioformat.FormatInfo `json:"format"`
	Preprocessed    bool                   `json:"preprocessed"`
	PreprocessError string                 `json:"preprocess_error,omitempty"`
	DurationSec     float64                `json:"duration_sec,omitempty"`
	Plan            chunking.ChunkPlan     `json:"plan"`
	SplitMode       string                 `json:"split_mode"`
	Chunks          []chunking.ChunkSpec   `json:"chunks"`
}

// Inspect runs detection, preprocessing, planning and splitting exactly as Run would.
func (o *Orchestrator) Inspect(src audioformat.AudioSource) (*Inspection, error) {
	if src.Size() == 0 {
		return nil, pipeerr.New(pipeerr.InvalidInput, "empty audio file")
	}

	info := audioformat.Detect(src)
	ins := &Inspection{FileName: src.FileName, Size: src.Size(), Format: info}

	if !o.cfg.SkipPreprocess {
		next, nextInfo, err := audioformat.Preprocess(src, info)
		if err != nil {
			ins.PreprocessError = err.Error()
		} else {
			ins.Preprocessed = next.Size() != src.Size()
			src, info = next, nextInfo
			ins.Format = info
		}
	}

	if bps := info.BytesPerSecond(); bps > 0 {
		ins.DurationSec = float64(src.Size()) / bps
	}

	ins.Plan = chunking.Plan(src.Size(), info, o.cfg.Planner)
	specs, mode, err := chunking.Split(src, info, ins.Plan.ChunkByteCeiling, o.log)
	if err != nil {
		return nil, err
	}
	ins.SplitMode = mode
	ins.Chunks = specs
	ins.Plan.ChunkCount = len(specs)
	return ins, nil
}
