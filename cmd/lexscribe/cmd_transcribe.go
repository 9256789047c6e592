package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// cancelGrace 是中断后通知服务端取消批次的超时
const cancelGrace = 5 * time.Second

var transcriptFormats = map[string]string{
	"text": ".txt",
	"json": ".json",
	"srt":  ".srt",
	"vtt":  ".vtt",
}

// transcribeOptions 对应服务端 multipart 表单字段
type transcribeOptions struct {
	Format          string
	Language        string
	Model           string
	NoPunctuate     bool
	NoDiarize       bool
	MinSpeakers     int
	MaxSpeakers     int
	ProfanityFilter bool
	Phrases         []string
	NoSmartFormat   bool
	Utterances      bool
	SaveRaw         bool
	Quiet           bool
}

func (o transcribeOptions) formFields() url.Values {
	v := url.Values{}
	if o.Language != "" {
		v.Set("language", o.Language)
	}
	if o.Model != "" {
		v.Set("model", o.Model)
	}
	v.Set("punctuate", strconv.FormatBool(!o.NoPunctuate))
	v.Set("diarize", strconv.FormatBool(!o.NoDiarize))
	if o.MinSpeakers > 0 {
		v.Set("min_speakers", strconv.Itoa(o.MinSpeakers))
	}
	if o.MaxSpeakers > 0 {
		v.Set("max_speakers", strconv.Itoa(o.MaxSpeakers))
	}
	if o.ProfanityFilter {
		v.Set("profanity_filter", "true")
	}
	v.Set("smart_format", strconv.FormatBool(!o.NoSmartFormat))
	if o.Utterances {
		v.Set("utterances", "true")
	}
	for _, p := range o.Phrases {
		v.Add("phrases", p)
	}
	return v
}

// fileResult 单个文件的处理结果
type fileResult struct {
	File       string
	BatchID    string
	Status     string
	Failed     []int
	OutputPath string
	Err        error
}

func newTranscribeCmd() *cobra.Command {
	opts := transcribeOptions{}
	c := &cobra.Command{
		Use:   "transcribe <audio-file>...",
		Short: "上传音频并等待转写完成，结果写入输出目录",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := transcriptFormats[opts.Format]; !ok {
				return fmt.Errorf("unsupported --format %q (text, json, srt, vtt)", opts.Format)
			}
			if opts.MinSpeakers > 0 && opts.MaxSpeakers > 0 && opts.MinSpeakers > opts.MaxSpeakers {
				return fmt.Errorf("--min-speakers must not exceed --max-speakers")
			}
			cfg := LoadConfig(cmd)
			client := NewAPIClient(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			results := transcribeFiles(ctx, client, cfg, opts, args, cmd.ErrOrStderr())
			return reportResults(cmd.OutOrStdout(), cfg.Output, results)
		},
	}
	c.Flags().StringVar(&opts.Format, "format", "text", "转写结果格式: text / json / srt / vtt")
	c.Flags().StringVar(&opts.Language, "language", "", "BCP-47 语言代码，默认使用服务端配置 (en-US)")
	c.Flags().StringVar(&opts.Model, "model", "", "识别模型")
	c.Flags().BoolVar(&opts.NoPunctuate, "no-punctuate", false, "关闭自动标点")
	c.Flags().BoolVar(&opts.NoDiarize, "no-diarize", false, "关闭说话人分离")
	c.Flags().IntVar(&opts.MinSpeakers, "min-speakers", 0, "最少说话人数")
	c.Flags().IntVar(&opts.MaxSpeakers, "max-speakers", 0, "最多说话人数")
	c.Flags().BoolVar(&opts.ProfanityFilter, "profanity-filter", false, "启用脏词过滤")
	c.Flags().StringArrayVar(&opts.Phrases, "phrase", nil, "识别提示短语，可重复")
	c.Flags().BoolVar(&opts.NoSmartFormat, "no-smart-format", false, "关闭数字、日期等智能格式化")
	c.Flags().BoolVar(&opts.Utterances, "utterances", false, "按说话人切分语句段")
	c.Flags().BoolVar(&opts.SaveRaw, "save-raw", false, "同时保存语音服务原始响应 <name>_raw.json")
	c.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "不输出进度")
	return c
}

// transcribeFiles 逐个处理文件；一个文件失败不影响后续文件
func transcribeFiles(ctx context.Context, client *APIClient, cfg *Config, opts transcribeOptions, files []string, progress io.Writer) []fileResult {
	results := make([]fileResult, 0, len(files))
	for _, file := range files {
		if ctx.Err() != nil {
			results = append(results, fileResult{File: file, Err: ctx.Err()})
			continue
		}
		res := transcribeOne(ctx, client, cfg, opts, file, progress)
		if res.Err != nil && !opts.Quiet {
			fmt.Fprintf(progress, "%s: %v\n", filepath.Base(file), res.Err)
		}
		results = append(results, res)
	}
	return results
}

func transcribeOne(ctx context.Context, client *APIClient, cfg *Config, opts transcribeOptions, file string, progress io.Writer) fileResult {
	res := fileResult{File: file}
	name := filepath.Base(file)

	raw, err := client.Upload(ctx, "/api/v1/transcriptions", file, opts.formFields())
	if err != nil {
		res.Err = err
		return res
	}
	var snap Snapshot
	if err := decodeData(raw, &snap); err != nil {
		res.Err = err
		return res
	}
	res.BatchID = snap.ID

	var printer *progressPrinter
	if !opts.Quiet {
		printer = &progressPrinter{w: progress, name: name}
	}
	err = client.Follow(ctx, snap.ID, func(ev Event) {
		if printer != nil {
			printer.handle(ev)
		}
	})
	if printer != nil {
		printer.finish()
	}
	if err != nil {
		if ctx.Err() != nil {
			// 中断时通知服务端停止该批次
			cancelCtx, cancel := context.WithTimeout(context.Background(), cancelGrace)
			_, _ = client.Delete(cancelCtx, "/api/v1/transcriptions/"+snap.ID)
			cancel()
		}
		res.Err = err
		return res
	}

	if err := client.GetData(ctx, "/api/v1/transcriptions/"+snap.ID, &snap); err != nil {
		res.Err = err
		return res
	}
	res.Status = snap.Status
	if snap.Outcome != nil {
		res.Failed = snap.Outcome.FailedChunks
	}

	body, err := client.Get(ctx, "/api/v1/transcriptions/"+snap.ID+"/transcript?format="+opts.Format)
	if err != nil {
		res.Err = err
		return res
	}
	if opts.Format == "json" {
		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			res.Err = fmt.Errorf("parse transcript: %w", err)
			return res
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, env.Data, "", "  "); err != nil {
			res.Err = fmt.Errorf("format transcript: %w", err)
			return res
		}
		body = pretty.Bytes()
	}

	outPath := outputPath(cfg.OutputDir, file, transcriptFormats[opts.Format])
	if err := writeFile(outPath, body); err != nil {
		res.Err = err
		return res
	}
	res.OutputPath = outPath

	if opts.SaveRaw {
		if err := saveRawResponses(ctx, client, snap.ID, outputPath(cfg.OutputDir, file, "_raw.json")); err != nil {
			res.Err = fmt.Errorf("transcript saved to %s, raw responses failed: %w", outPath, err)
		}
	}
	return res
}

func saveRawResponses(ctx context.Context, client *APIClient, id, path string) error {
	var responses json.RawMessage
	if err := client.GetData(ctx, "/api/v1/transcriptions/"+id+"/raw", &responses); err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, responses, "", "  "); err != nil {
		return err
	}
	return writeFile(path, pretty.Bytes())
}

// outputPath 返回 <dir>/<base><suffix>，dir 为空时写在音频旁边
func outputPath(dir, file, suffix string) string {
	base := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	if dir == "" {
		dir = filepath.Dir(file)
	}
	return filepath.Join(dir, base+suffix)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// reportResults 输出汇总；任一文件失败时返回错误
func reportResults(w io.Writer, format string, results []fileResult) error {
	failed := 0
	if format == "json" {
		type row struct {
			File         string `json:"file"`
			BatchID      string `json:"batch_id,omitempty"`
			Status       string `json:"status,omitempty"`
			FailedChunks []int  `json:"failed_chunks,omitempty"`
			Output       string `json:"output,omitempty"`
			Error        string `json:"error,omitempty"`
		}
		rows := make([]row, 0, len(results))
		for _, r := range results {
			out := row{File: r.File, BatchID: r.BatchID, Status: r.Status, FailedChunks: r.Failed, Output: r.OutputPath}
			if r.Err != nil {
				out.Error = r.Err.Error()
				failed++
			}
			rows = append(rows, out)
		}
		data, err := json.Marshal(rows)
		if err != nil {
			return err
		}
		if err := printOutput(w, "json", data); err != nil {
			return err
		}
	} else {
		rows := make([][]string, 0, len(results))
		for _, r := range results {
			status, detail := r.Status, r.OutputPath
			if r.Err != nil {
				failed++
				status = "error"
				detail = r.Err.Error()
			} else if len(r.Failed) > 0 {
				detail = fmt.Sprintf("%s (chunks %s missing)", detail, joinInts(r.Failed))
			}
			rows = append(rows, []string{filepath.Base(r.File), r.BatchID, status, detail})
		}
		printTable(w, []string{"FILE", "BATCH", "STATUS", "OUTPUT"}, rows)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(results))
	}
	return nil
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}

// progressPrinter 把事件渲染为单行进度
type progressPrinter struct {
	w       io.Writer
	name    string
	overall float64
	stage   string
	dirty   bool
}

func (p *progressPrinter) handle(ev Event) {
	switch ev.Type {
	case "stage":
		p.stage = ev.Stage
	case "progress":
		if ev.Overall > p.overall {
			p.overall = ev.Overall
		}
	case "error":
		p.line()
		fmt.Fprintf(p.w, "  chunk %d failed [%s]: %s\n", ev.ChunkIndex, ev.Kind, ev.Message)
	case "fallback":
		p.line()
		fmt.Fprintf(p.w, "  speech endpoint switched %s -> %s\n", ev.From, ev.To)
	case "outcome":
		p.stage = ev.Status
		if ev.Kind != "" {
			p.render()
			p.line()
			fmt.Fprintf(p.w, "  [%s] %s\n", ev.Kind, ev.Message)
			return
		}
		p.overall = 100
	}
	p.render()
}

func (p *progressPrinter) render() {
	fmt.Fprintf(p.w, "\r%s  %-12s %5.1f%%", p.name, p.stage, p.overall)
	p.dirty = true
}

func (p *progressPrinter) line() {
	if p.dirty {
		fmt.Fprintln(p.w)
		p.dirty = false
	}
}

func (p *progressPrinter) finish() { p.line() }
