package recognize

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultGoogleURL = "https://speech.googleapis.com/v1p1beta1/speech:recognize"

// GoogleClient calls the Google Cloud Speech-to-Text v1p1beta1 synchronous
// recognize endpoint with speaker diarization enabled.
type GoogleClient struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

// NewGoogleClient creates a Google STT client. url may be empty to use the
// public endpoint; overriding it points the client at a test server.
func NewGoogleClient(url, apiKey, model string, timeout time.Duration) *GoogleClient {
	if url == "" {
		url = defaultGoogleURL
	}
	if model == "" {
		model = "latest_long"
	}
	return &GoogleClient{
		url:    url,
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

func (gc *GoogleClient) Name() string  { return "google" }
func (gc *GoogleClient) Model() string { return gc.model }

type googleRequest struct {
	Config googleConfig `json:"config"`
	Audio  googleAudio  `json:"audio"`
}

type googleConfig struct {
	Encoding                   string `json:"encoding"`
	SampleRateHertz            int    `json:"sampleRateHertz"`
	LanguageCode               string `json:"languageCode"`
	EnableAutomaticPunctuation bool   `json:"enableAutomaticPunctuation"`
	EnableSpeakerDiarization   bool   `json:"enableSpeakerDiarization"`
	DiarizationSpeakerCount    int    `json:"diarizationSpeakerCount,omitempty"`
	Model                      string `json:"model"`
}

type googleAudio struct {
	Content string `json:"content"` // base64 LINEAR16
}

type googleResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string       `json:"transcript"`
			Words      []googleWord `json:"words"`
		} `json:"alternatives"`
	} `json:"results"`
	TotalBilledTime string `json:"totalBilledTime"`
}

type googleWord struct {
	StartTime  googleDuration `json:"startTime"`
	EndTime    googleDuration `json:"endTime"`
	Word       string         `json:"word"`
	SpeakerTag int            `json:"speakerTag"`
}

// googleDuration accepts both wire forms the API emits: the JSON string
// "1.500s" and the proto object {"seconds": 1, "nanos": 500000000}.
type googleDuration float64

func (d *googleDuration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "s"), 64)
		if err != nil {
			return fmt.Errorf("duration %q: %w", s, err)
		}
		*d = googleDuration(v)
		return nil
	}
	var obj struct {
		Seconds int64 `json:"seconds"`
		Nanos   int64 `json:"nanos"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*d = googleDuration(float64(obj.Seconds) + float64(obj.Nanos)/1e9)
	return nil
}

// Recognize sends one chunk of LINEAR16 audio for synchronous recognition.
func (gc *GoogleClient) Recognize(ctx context.Context, req Request) (*Result, error) {
	const op = "google recognize"

	body, err := json.Marshal(googleRequest{
		Config: googleConfig{
			Encoding:                   "LINEAR16",
			SampleRateHertz:            req.SampleRate,
			LanguageCode:               req.Language,
			EnableAutomaticPunctuation: true,
			EnableSpeakerDiarization:   true,
			DiarizationSpeakerCount:    req.SpeakerCount,
			Model:                      gc.model,
		},
		Audio: googleAudio{Content: base64.StdEncoding.EncodeToString(req.Audio)},
	})
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Op: op, Err: err}
	}

	url := gc.url
	if gc.apiKey != "" {
		url += "?key=" + gc.apiKey
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Op: op, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := gc.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(op, resp.StatusCode, respBody)
	}

	var gr googleResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return nil, &Error{Kind: KindMalformed, Op: op, Err: err}
	}

	return normalizeGoogle(&gr), nil
}

// normalizeGoogle flattens the v1p1beta1 result list. With diarization on,
// the final result repeats every word of the request with speaker tags, so
// word timing comes from the last result while the text is the concatenation
// of the per-utterance transcripts.
func normalizeGoogle(gr *googleResponse) *Result {
	res := &Result{}

	var parts []string
	for _, r := range gr.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		if t := strings.TrimSpace(r.Alternatives[0].Transcript); t != "" {
			parts = append(parts, t)
		}
	}
	res.Text = strings.Join(parts, " ")

	for i := len(gr.Results) - 1; i >= 0; i-- {
		alts := gr.Results[i].Alternatives
		if len(alts) == 0 || len(alts[0].Words) == 0 {
			continue
		}
		for _, w := range alts[0].Words {
			res.Words = append(res.Words, Word{
				Text:    w.Word,
				Speaker: w.SpeakerTag,
				Start:   float64(w.StartTime),
				End:     float64(w.EndTime),
			})
		}
		break
	}

	if len(res.Words) > 0 {
		res.Duration = res.Words[len(res.Words)-1].End
	}
	return res
}
