package speech

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

type wireRequest struct {
	Config wireConfig `json:"config"`
	Audio  wireAudio  `json:"audio"`
}

type wireAudio struct {
	Content string `json:"content"`
}

type wireConfig struct {
	Encoding                   string              `json:"encoding,omitempty"`
	SampleRateHertz            int                 `json:"sampleRateHertz,omitempty"`
	LanguageCode               string              `json:"languageCode"`
	EnableAutomaticPunctuation bool                `json:"enableAutomaticPunctuation"`
	Model                      string              `json:"model,omitempty"`
	DiarizationConfig          *wireDiarization    `json:"diarizationConfig,omitempty"`
	EnableWordTimeOffsets      bool                `json:"enableWordTimeOffsets"`
	SpeechContexts             []wireSpeechContext `json:"speechContexts,omitempty"`
	ProfanityFilter            bool                `json:"profanityFilter"`
	SmartFormat                bool                `json:"smartFormat"`
	Utterances                 bool                `json:"utterances,omitempty"`
}

type wireDiarization struct {
	EnableSpeakerDiarization bool `json:"enableSpeakerDiarization"`
	MinSpeakerCount          int  `json:"minSpeakerCount,omitempty"`
	MaxSpeakerCount          int  `json:"maxSpeakerCount,omitempty"`
}

type wireSpeechContext struct {
	Phrases []string `json:"phrases"`
}

type wireResponse struct {
	Results []wireResult `json:"results"`
	Name    string       `json:"name"`
}

type wireResult struct {
	Alternatives []wireAlternative `json:"alternatives"`
	LanguageCode string            `json:"languageCode"`
}

type wireAlternative struct {
	Transcript string     `json:"transcript"`
	Confidence float64    `json:"confidence"`
	Words      []wireWord `json:"words"`
}

type wireWord struct {
	Word       string  `json:"word"`
	StartTime  Seconds `json:"startTime"`
	EndTime    Seconds `json:"endTime"`
	SpeakerTag int     `json:"speakerTag"`
	Confidence float64 `json:"confidence"`
}

type wireOperation struct {
	Status           string          `json:"status"`
	PercentComplete  *float64        `json:"percentComplete"`
	ProcessedSeconds float64         `json:"processedSeconds"`
	TotalSeconds     float64         `json:"totalSeconds"`
	Words            []wireWord      `json:"words"`
	Text             string          `json:"text"`
	Results          []wireResult    `json:"results"`
	Error            json.RawMessage `json:"error"`
}

// Encoding codes that need no explicit request field.
const encodingUnspecified = "ENCODING_UNSPECIFIED"

func buildWireRequest(payload []byte, cfg Config) wireRequest {
	wc := wireConfig{
		LanguageCode:               cfg.LanguageCode,
		EnableAutomaticPunctuation: cfg.Punctuate,
		Model:                      cfg.Model,
		EnableWordTimeOffsets:      cfg.WordTimeOffsets,
		ProfanityFilter:            cfg.ProfanityFilter,
		SmartFormat:                cfg.SmartFormat,
		Utterances:                 cfg.Utterances,
	}
	if cfg.EncodingCode != "" && cfg.EncodingCode != encodingUnspecified {
		wc.Encoding = cfg.EncodingCode
		wc.SampleRateHertz = cfg.SampleRateHz
	}
	if cfg.Diarize {
		wc.DiarizationConfig = &wireDiarization{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          cfg.MinSpeakers,
			MaxSpeakerCount:          cfg.MaxSpeakers,
		}
	}
	if len(cfg.Phrases) > 0 {
		wc.SpeechContexts = []wireSpeechContext{{Phrases: cfg.Phrases}}
	}
	return wireRequest{
		Config: wc,
		Audio:  wireAudio{Content: base64.StdEncoding.EncodeToString(payload)},
	}
}

func convertWords(in []wireWord) []Word {
	out := make([]Word, 0, len(in))
	for _, w := range in {
		word := Word{
			Text:       w.Word,
			StartSec:   float64(w.StartTime),
			EndSec:     float64(w.EndTime),
			Confidence: w.Confidence,
		}
		if w.SpeakerTag > 0 {
			tag := w.SpeakerTag
			word.Speaker = &tag
		}
		out = append(out, word)
	}
	return out
}

// convertResults flattens the best alternative of each result.
// With diarization the service repeats every word, tagged, in the final result;
// in that case the final result's words replace the untagged ones.
func convertResults(results []wireResult) *Result {
	res := &Result{}
	var texts []string
	var words []wireWord
	for i, r := range results {
		if r.LanguageCode != "" {
			res.LanguageCode = r.LanguageCode
		}
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if i == len(results)-1 && len(results) > 1 && strings.TrimSpace(alt.Transcript) == "" && hasSpeakerTags(alt.Words) {
			words = alt.Words
			continue
		}
		if t := strings.TrimSpace(alt.Transcript); t != "" {
			texts = append(texts, t)
		}
		words = append(words, alt.Words...)
	}
	res.Text = strings.Join(texts, " ")
	res.Words = convertWords(words)
	return res
}

func hasSpeakerTags(words []wireWord) bool {
	for _, w := range words {
		if w.SpeakerTag > 0 {
			return true
		}
	}
	return false
}

func (op wireOperation) toStatus(raw []byte) *OperationStatus {
	st := &OperationStatus{
		Status:           strings.ToLower(strings.TrimSpace(op.Status)),
		PercentComplete:  op.PercentComplete,
		ProcessedSeconds: op.ProcessedSeconds,
		TotalSeconds:     op.TotalSeconds,
		WordsSoFar:       len(op.Words),
		Raw:              raw,
	}
	switch st.Status {
	case OperationCompleted:
		if len(op.Results) > 0 {
			st.Result = convertResults(op.Results)
		} else {
			st.Result = &Result{Text: strings.TrimSpace(op.Text), Words: convertWords(op.Words)}
		}
	case OperationError:
		st.Error = errorMessage(op.Error)
		if st.Error == "" {
			st.Error = "recognition failed"
		}
	}
	return st
}

// errorMessage extracts a message from `"text"`, `{"message": "..."}` or `{"error": {"message": "..."}}`.
func errorMessage(raw []byte) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if len(obj.Error) > 0 {
			return errorMessage(obj.Error)
		}
	}
	return ""
}
