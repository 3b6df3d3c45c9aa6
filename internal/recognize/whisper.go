package recognize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// WhisperClient calls an OpenAI-compatible /v1/audio/transcriptions endpoint.
// Whisper does not diarize, so every word carries speaker tag 0 and the
// segmenter attributes the whole chunk to a single speaker.
type WhisperClient struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

// NewWhisperClient creates a Whisper HTTP client.
func NewWhisperClient(url, apiKey, model string, timeout time.Duration) *WhisperClient {
	return &WhisperClient{
		url:    url,
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

func (wc *WhisperClient) Name() string  { return "whisper" }
func (wc *WhisperClient) Model() string { return wc.model }

type whisperResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Words    []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
}

// Recognize uploads one chunk as a WAV file via multipart/form-data and
// requests verbose_json for word-level timestamps.
func (wc *WhisperClient) Recognize(ctx context.Context, req Request) (*Result, error) {
	const op = "whisper recognize"

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", "chunk.wav")
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Op: op, Err: err}
	}
	if err := writeWAV(part, req.Audio, req.SampleRate); err != nil {
		return nil, &Error{Kind: KindMalformed, Op: op, Err: err}
	}

	if wc.model != "" {
		w.WriteField("model", wc.model)
	}
	if req.Language != "" {
		w.WriteField("language", shortLang(req.Language))
	}
	w.WriteField("response_format", "verbose_json")
	w.WriteField("timestamp_granularities[]", "word")
	w.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.url, &buf)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Op: op, Err: err}
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	if wc.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+wc.apiKey)
	}

	resp, err := wc.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(op, resp.StatusCode, body)
	}

	var wr whisperResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, &Error{Kind: KindMalformed, Op: op, Err: err}
	}

	res := &Result{Text: wr.Text, Language: wr.Language, Duration: wr.Duration}
	for _, word := range wr.Words {
		res.Words = append(res.Words, Word{Text: word.Word, Start: word.Start, End: word.End})
	}
	return res, nil
}

// shortLang reduces a BCP-47 tag to the primary subtag Whisper expects
// ("en-US" -> "en").
func shortLang(lang string) string {
	for i := 0; i < len(lang); i++ {
		if lang[i] == '-' {
			return lang[:i]
		}
	}
	return lang
}

// writeWAV wraps raw LINEAR16 PCM in a minimal mono WAV header.
func writeWAV(w io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	byteRate := sampleRate * 2
	dataLen := len(pcm)

	header := make([]byte, 0, 44)
	header = append(header, "RIFF"...)
	header = appendUint32(header, uint32(36+dataLen))
	header = append(header, "WAVE"...)
	header = append(header, "fmt "...)
	header = appendUint32(header, 16)
	header = appendUint16(header, 1) // PCM
	header = appendUint16(header, 1) // mono
	header = appendUint32(header, uint32(sampleRate))
	header = appendUint32(header, uint32(byteRate))
	header = appendUint16(header, 2)  // block align
	header = appendUint16(header, 16) // bits per sample
	header = append(header, "data"...)
	header = appendUint32(header, uint32(dataLen))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wav header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("wav data: %w", err)
	}
	return nil
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}
