package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// inspection 对应 POST /api/v1/inspect 的 data
type inspection struct {
	FileName string `json:"file_name"`
	Size     int64  `json:"size"`
	Format   struct {
		Container    string `json:"container"`
		EncodingCode string `json:"encoding"`
		SampleRateHz int    `json:"sample_rate_hz"`
		DetectedBy   string `json:"detected_by"`
	} `json:"format"`
	Preprocessed    bool    `json:"preprocessed"`
	PreprocessError string  `json:"preprocess_error"`
	DurationSec     float64 `json:"duration_sec"`
	Plan            struct {
		ChunkByteCeiling int64  `json:"chunk_byte_ceiling"`
		Strategy         string `json:"strategy"`
		ChunkCount       int    `json:"chunk_count"`
	} `json:"plan"`
	SplitMode string `json:"split_mode"`
	Chunks    []struct {
		Index    int   `json:"index"`
		Start    int64 `json:"start"`
		End      int64 `json:"end"`
		IsLast   bool  `json:"is_last"`
		Degraded bool  `json:"degraded"`
	} `json:"chunks"`
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <audio-file>",
		Short: "预览格式识别与切片计划（不调用语音服务）",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := LoadConfig(cmd)
			client := NewAPIClient(cfg)
			raw, err := client.Upload(cmd.Context(), "/api/v1/inspect", args[0], nil)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if cfg.Output == "json" {
				return printOutput(w, "json", raw)
			}

			var ins inspection
			if err := decodeData(raw, &ins); err != nil {
				return err
			}
			fmt.Fprintf(w, "File:       %s (%s)\n", ins.FileName, humanBytes(ins.Size))
			fmt.Fprintf(w, "Format:     %s encoding=%s rate=%dHz (by %s)\n",
				ins.Format.Container, ins.Format.EncodingCode, ins.Format.SampleRateHz, ins.Format.DetectedBy)
			if ins.DurationSec > 0 {
				fmt.Fprintf(w, "Duration:   %.1fs\n", ins.DurationSec)
			}
			if ins.PreprocessError != "" {
				fmt.Fprintf(w, "Preprocess: failed (%s), original bytes used\n", ins.PreprocessError)
			} else if ins.Preprocessed {
				fmt.Fprintln(w, "Preprocess: header normalized")
			}
			fmt.Fprintf(w, "Plan:       %s, %d chunks of at most %s (%s split)\n\n",
				ins.Plan.Strategy, len(ins.Chunks), humanBytes(ins.Plan.ChunkByteCeiling), ins.SplitMode)

			rows := make([][]string, 0, len(ins.Chunks))
			for _, ch := range ins.Chunks {
				note := ""
				if ch.Degraded {
					note = "degraded"
				}
				rows = append(rows, []string{
					strconv.Itoa(ch.Index),
					strconv.FormatInt(ch.Start, 10),
					strconv.FormatInt(ch.End, 10),
					humanBytes(ch.End - ch.Start),
					note,
				})
			}
			printTable(w, []string{"#", "START", "END", "SIZE", "NOTE"}, rows)
			return nil
		},
	}
}
