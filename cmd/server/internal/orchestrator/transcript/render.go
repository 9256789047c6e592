package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Output formats
const (
	FormatJSON = "json"
	FormatText = "text"
	FormatSRT  = "srt"
	FormatVTT  = "vtt"
)

// Cue limits for subtitle-style output.
const (
	maxCueWords   = 14
	maxCueSeconds = 7.0
)

// Segment is a run of words by one speaker.
type Segment struct {
	ID       int     `json:"id"`
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
	Speaker  *int    `json:"speaker,omitempty"`
	Text     string  `json:"text"`
}

// ValidFormat reports whether f is a supported output format.
func ValidFormat(f string) bool {
	switch f {
	case FormatJSON, FormatText, FormatSRT, FormatVTT:
		return true
	}
	return false
}

// Segments groups words into speaker turns, splitting long turns into cues.
// A transcript without word timing becomes a single segment.
func Segments(m *Merged) []Segment {
	if len(m.Words) == 0 {
		if m.Text == "" {
			return nil
		}
		return []Segment{{StartSec: 0, EndSec: m.DurationSec, Text: m.Text}}
	}

	var out []Segment
	var cur *Segment
	var words []string
	flush := func() {
		if cur == nil {
			return
		}
		cur.Text = strings.Join(words, " ")
		cur.ID = len(out)
		out = append(out, *cur)
		cur, words = nil, nil
	}
	for _, w := range m.Words {
		if cur != nil && (!sameSpeaker(cur.Speaker, w.Speaker) ||
			len(words) >= maxCueWords || w.EndSec-cur.StartSec > maxCueSeconds) {
			flush()
		}
		if cur == nil {
			cur = &Segment{StartSec: w.StartSec, Speaker: w.Speaker}
		}
		cur.EndSec = w.EndSec
		words = append(words, w.Text)
	}
	flush()
	return out
}

func sameSpeaker(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Render writes m in the requested format.
func Render(w io.Writer, m *Merged, format string) error {
	bw := bufio.NewWriter(w)
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(bw)
		enc.SetIndent("", "  ")
		if err := enc.Encode(m); err != nil {
			return err
		}
	case FormatText, "":
		for _, s := range Segments(m) {
			writeSegmentText(bw, s)
		}
	case FormatSRT:
		for _, s := range Segments(m) {
			writeSegmentSrt(bw, s)
		}
	case FormatVTT:
		fmt.Fprint(bw, "WEBVTT\n\n")
		for _, s := range Segments(m) {
			writeSegmentVtt(bw, s)
		}
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
	return bw.Flush()
}

// writeSegmentText writes "[HH:MM:SS.mmm --> HH:MM:SS.mmm] [Speaker N] Text"
func writeSegmentText(w io.Writer, s Segment) {
	speaker := ""
	if s.Speaker != nil {
		speaker = fmt.Sprintf(" [Speaker %d]", *s.Speaker)
	}
	fmt.Fprintf(w, "[%s --> %s]%s %s\n", formatTimestamp(s.StartSec, '.'), formatTimestamp(s.EndSec, '.'), speaker, s.Text)
}

func writeSegmentSrt(w io.Writer, s Segment) {
	fmt.Fprintf(w, "%d\n", s.ID+1)
	fmt.Fprintf(w, "%s --> %s\n", formatTimestamp(s.StartSec, ','), formatTimestamp(s.EndSec, ','))
	fmt.Fprintf(w, "%s%s\n\n", cueSpeaker(s), s.Text)
}

func writeSegmentVtt(w io.Writer, s Segment) {
	fmt.Fprintf(w, "%s --> %s\n", formatTimestamp(s.StartSec, '.'), formatTimestamp(s.EndSec, '.'))
	fmt.Fprintf(w, "%s%s\n\n", cueSpeaker(s), s.Text)
}

func cueSpeaker(s Segment) string {
	if s.Speaker == nil {
		return ""
	}
	return fmt.Sprintf("[Speaker %d] ", *s.Speaker)
}

// formatTimestamp formats seconds as HH:MM:SS<sep>mmm
func formatTimestamp(sec float64, sep byte) string {
	d := time.Duration(sec * float64(time.Second)).Round(time.Millisecond)
	if d < 0 {
		d = 0
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms)
}
