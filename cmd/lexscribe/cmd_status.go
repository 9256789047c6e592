package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [batch-id]",
		Short: "查看批次状态；不带参数时列出全部批次",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := LoadConfig(cmd)
			client := NewAPIClient(cfg)
			w := cmd.OutOrStdout()

			if len(args) == 0 {
				raw, err := client.Get(cmd.Context(), "/api/v1/transcriptions")
				if err != nil {
					return err
				}
				if cfg.Output == "json" {
					return printOutput(w, "json", raw)
				}
				var list []Snapshot
				if err := decodeData(raw, &list); err != nil {
					return err
				}
				rows := make([][]string, 0, len(list))
				for _, s := range list {
					rows = append(rows, []string{s.ID, s.FileName, humanBytes(s.Size), s.State, s.Status,
						fmt.Sprintf("%.0f%%", s.Progress)})
				}
				printTable(w, []string{"ID", "FILE", "SIZE", "STATE", "STATUS", "PROGRESS"}, rows)
				return nil
			}

			raw, err := client.Get(cmd.Context(), "/api/v1/transcriptions/"+args[0])
			if err != nil {
				return err
			}
			if cfg.Output == "json" {
				return printOutput(w, "json", raw)
			}
			var s Snapshot
			if err := decodeData(raw, &s); err != nil {
				return err
			}
			printSnapshot(cmd, s)
			return nil
		},
	}
}

func printSnapshot(cmd *cobra.Command, s Snapshot) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "ID:       %s\n", s.ID)
	fmt.Fprintf(w, "File:     %s (%s)\n", s.FileName, humanBytes(s.Size))
	fmt.Fprintf(w, "State:    %s\n", s.State)
	if s.Status != "" {
		fmt.Fprintf(w, "Status:   %s\n", s.Status)
	}
	fmt.Fprintf(w, "Progress: %.1f%%\n", s.Progress)
	if s.Error != "" {
		fmt.Fprintf(w, "Error:    [%s] %s\n", s.ErrorKind, s.Error)
	}
	if o := s.Outcome; o != nil {
		fmt.Fprintf(w, "Plan:     %s, %d chunks (%s)\n", o.Plan.Strategy, len(o.Chunks), o.Format.Container)
		if len(o.FailedChunks) > 0 {
			fmt.Fprintf(w, "Failed:   chunks %s\n", joinInts(o.FailedChunks))
		}
		if !o.FinishedAt.IsZero() && !o.StartedAt.IsZero() {
			fmt.Fprintf(w, "Elapsed:  %s\n", o.FinishedAt.Sub(o.StartedAt).Round(time.Millisecond))
		}
		if o.Transcript != nil {
			fmt.Fprintf(w, "Speakers: %d, audio %.1fs\n", o.Transcript.SpeakerCount, o.Transcript.DurationSec)
		}
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <batch-id>",
		Short: "取消排队或运行中的批次",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := LoadConfig(cmd)
			client := NewAPIClient(cfg)
			raw, err := client.Delete(cmd.Context(), "/api/v1/transcriptions/"+args[0])
			if err != nil {
				return err
			}
			if cfg.Output == "json" {
				return printOutput(cmd.OutOrStdout(), "json", raw)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", args[0])
			return nil
		},
	}
}

// speechHealth 对应 GET /api/v1/services/speech/health 的 data
type speechHealth struct {
	ActiveEndpoint   string    `json:"active_endpoint"`
	IsHealthy        bool      `json:"is_healthy"`
	IsDegraded       bool      `json:"is_degraded"`
	LastCheckTime    time.Time `json:"last_check_time"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	ErrorMessage     string    `json:"error_message"`
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "检查服务与语音识别端点健康状态",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := LoadConfig(cmd)
			client := NewAPIClient(cfg)
			w := cmd.OutOrStdout()

			liveness, err := client.Get(cmd.Context(), "/health")
			if err != nil {
				return err
			}
			raw, err := client.Get(cmd.Context(), "/api/v1/services/speech/health")
			if err != nil {
				return err
			}
			if cfg.Output == "json" {
				combined, err := json.Marshal(map[string]json.RawMessage{"server": liveness, "speech": raw})
				if err != nil {
					return err
				}
				return printOutput(w, "json", combined)
			}

			var server struct {
				Status  string `json:"status"`
				Version string `json:"version"`
				Uptime  string `json:"uptime"`
			}
			if err := json.Unmarshal(liveness, &server); err != nil {
				return fmt.Errorf("parse health: %w", err)
			}
			var sh speechHealth
			if err := decodeData(raw, &sh); err != nil {
				return err
			}
			rows := [][]string{
				{"server", server.Status, "version " + server.Version + ", up " + server.Uptime},
				{"speech", healthWord(sh.IsHealthy), fmt.Sprintf("active=%s degraded=%s fails=%s %s",
					sh.ActiveEndpoint, strconv.FormatBool(sh.IsDegraded), strconv.Itoa(sh.ConsecutiveFails), sh.ErrorMessage)},
			}
			printTable(w, []string{"COMPONENT", "STATUS", "DETAIL"}, rows)
			return nil
		},
	}
}

func healthWord(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}
