package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/altiora-ai/callcore/internal/audio"
	"github.com/altiora-ai/callcore/internal/types"
)

func postJSON(ctx context.Context, client *http.Client, url string, header http.Header, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("POST %s returned status %d: %s", url, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// HTTPRecognizer posts base64 WAV audio to a transcription endpoint.
type HTTPRecognizer struct {
	url        string
	language   string
	httpClient *http.Client
}

// NewHTTPRecognizer creates a recognizer for url.
func NewHTTPRecognizer(url, language string) *HTTPRecognizer {
	return &HTTPRecognizer{
		url:        url,
		language:   language,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type recognizeRequest struct {
	Audio    string `json:"audio"`
	Language string `json:"language"`
}

type recognizeResponse struct {
	Text      string `json:"text"`
	Sentiment string `json:"sentiment,omitempty"`
}

// Recognize implements Recognizer.
func (r *HTTPRecognizer) Recognize(ctx context.Context, pcm []byte) (Recognition, error) {
	var resp recognizeResponse
	err := postJSON(ctx, r.httpClient, r.url, nil, recognizeRequest{
		Audio:    base64.StdEncoding.EncodeToString(audio.WAV(pcm, audio.SpeechRate)),
		Language: r.language,
	}, &resp)
	if err != nil {
		return Recognition{}, err
	}
	out := Recognition{Text: resp.Text}
	if s, ok := types.ParseSentiment(resp.Sentiment); ok {
		out.Sentiment = s
	}
	return out, nil
}

// HTTPGenerator calls a chat-completions style endpoint.
type HTTPGenerator struct {
	url         string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

// NewHTTPGenerator creates a generator for url.
func NewHTTPGenerator(url string, maxTokens int, temperature float64) *HTTPGenerator {
	return &HTTPGenerator{
		url:         url,
		maxTokens:   maxTokens,
		temperature: temperature,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

type chatRequest struct {
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Generate implements Generator.
func (g *HTTPGenerator) Generate(ctx context.Context, messages []Message) (string, error) {
	var resp chatResponse
	if err := postJSON(ctx, g.httpClient, g.url, nil, chatRequest{
		Messages:    messages,
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	}, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// ElevenLabsSynthesizer requests mu-law audio directly so no transcoding is needed.
type ElevenLabsSynthesizer struct {
	baseURL    string
	apiKey     string
	voiceID    string
	modelID    string
	httpClient *http.Client
}

// NewElevenLabsSynthesizer creates a synthesizer for voiceID.
func NewElevenLabsSynthesizer(baseURL, apiKey, voiceID, modelID string) *ElevenLabsSynthesizer {
	if baseURL == "" {
		baseURL = "https://api.elevenlabs.io"
	}
	return &ElevenLabsSynthesizer{
		baseURL:    baseURL,
		apiKey:     apiKey,
		voiceID:    voiceID,
		modelID:    modelID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// Synthesize implements Synthesizer.
func (s *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(ttsRequest{
		Text:          text,
		ModelID:       s.modelID,
		VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=ulaw_8000", s.baseURL, s.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("POST %s returned status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return data, nil
}
