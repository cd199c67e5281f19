// Package llm routes generation requests to LLM providers per use case,
// with caching, retries, bounded fallback chains, and streaming.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/wedosoft/supportrag/pkg/faults"
	"github.com/wedosoft/supportrag/pkg/models"
)

// Options tunes a single generation call.
type Options struct {
	MaxTokens   int
	Temperature float64
	JSONMode    bool
}

// Provider is the closed variant set of LLM backends. New providers are
// added here and registered in NewRouter; there is no runtime loading.
type Provider interface {
	// Name returns the provider tag used in configuration ("openai").
	Name() string

	// Generate produces a completion. Token counts are provider-reported
	// when available, estimated otherwise.
	Generate(ctx context.Context, model string, messages []models.ChatMessage, opts Options) (text string, inTokens, outTokens int, err error)

	// Stream produces a completion incrementally, sending partial text to
	// chunks until done. The channel is closed by the caller, not here.
	Stream(ctx context.Context, model string, messages []models.ChatMessage, opts Options, chunks chan<- string) error

	// HealthCheck verifies reachability with a minimal request.
	HealthCheck(ctx context.Context) error
}

// estimateTokens approximates token counts at four characters per token,
// which is close enough for budget accounting across providers.
func estimateTokens(messages []models.ChatMessage) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars/4 + len(messages)*4
}

// classifyHTTP maps a provider status code onto the error taxonomy.
func classifyHTTP(provider string, status int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	switch {
	case status == http.StatusTooManyRequests:
		return faults.Newf(faults.RateLimited, "%s 429: %s", provider, snippet)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return faults.Newf(faults.AuthFailure, "%s %d: %s", provider, status, snippet)
	case status >= 500:
		return faults.Newf(faults.TransientNetwork, "%s %d: %s", provider, status, snippet)
	default:
		return faults.Newf(faults.ValidationFailure, "%s %d: %s", provider, status, snippet)
	}
}

func wrapTransportErr(ctx context.Context, provider string, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return faults.Wrap(faults.UpstreamTimeout, provider+" call timed out", err)
	}
	if ctx.Err() != nil {
		return faults.Wrap(faults.Cancelled, provider+" call cancelled", err)
	}
	return faults.Wrap(faults.TransientNetwork, provider+" transport", err)
}

// ── OpenAI ───────────────────────────────────────────────────

// OpenAI implements Provider against the chat completions API, which also
// covers Azure OpenAI and OpenAI-compatible endpoints via a custom base.
type OpenAI struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewOpenAI builds the provider. Key and endpoint come from the
// environment so credential rotation does not require re-wiring.
func NewOpenAI(client *http.Client) *OpenAI {
	endpoint := os.Getenv("OPENAI_BASE_URL")
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	return &OpenAI{apiKey: os.Getenv("OPENAI_API_KEY"), endpoint: endpoint, client: client}
}

func (p *OpenAI) Name() string { return "openai" }

type openAIChatRequest struct {
	Model          string               `json:"model"`
	Messages       []models.ChatMessage `json:"messages"`
	MaxTokens      int                  `json:"max_tokens,omitempty"`
	Temperature    float64              `json:"temperature"`
	Stream         bool                 `json:"stream,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *OpenAI) buildRequest(model string, messages []models.ChatMessage, opts Options, stream bool) openAIChatRequest {
	req := openAIChatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stream:      stream,
	}
	if opts.JSONMode {
		req.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}
	return req
}

func (p *OpenAI) Generate(ctx context.Context, model string, messages []models.ChatMessage, opts Options) (string, int, int, error) {
	body, _ := json.Marshal(p.buildRequest(model, messages, opts, false))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", 0, 0, faults.Wrap(faults.Internal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", 0, 0, wrapTransportErr(ctx, "openai", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, 0, faults.Wrap(faults.TransientNetwork, "openai read", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, 0, classifyHTTP("openai", resp.StatusCode, respBody)
	}

	var out openAIChatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", 0, 0, faults.Wrap(faults.Internal, "openai decode", err)
	}
	if len(out.Choices) == 0 {
		return "", 0, 0, faults.New(faults.TransientNetwork, "openai returned no choices")
	}
	inTok, outTok := out.Usage.PromptTokens, out.Usage.CompletionTokens
	text := out.Choices[0].Message.Content
	if inTok == 0 {
		inTok = estimateTokens(messages)
	}
	if outTok == 0 {
		outTok = len(text) / 4
	}
	return text, inTok, outTok, nil
}

func (p *OpenAI) Stream(ctx context.Context, model string, messages []models.ChatMessage, opts Options, chunks chan<- string) error {
	body, _ := json.Marshal(p.buildRequest(model, messages, opts, true))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return faults.Wrap(faults.Internal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return wrapTransportErr(ctx, "openai", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return classifyHTTP("openai", resp.StatusCode, respBody)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, found := strings.CutPrefix(line, "data: ")
		if !found || data == "[DONE]" {
			continue
		}
		var frame openAIChatResponse
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}
		if len(frame.Choices) == 0 || frame.Choices[0].Delta.Content == "" {
			continue
		}
		select {
		case chunks <- frame.Choices[0].Delta.Content:
		case <-ctx.Done():
			return faults.Wrap(faults.Cancelled, "openai stream", ctx.Err())
		}
	}
	if err := scanner.Err(); err != nil {
		return wrapTransportErr(ctx, "openai", err)
	}
	return nil
}

func (p *OpenAI) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return wrapTransportErr(ctx, "openai", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return classifyHTTP("openai", resp.StatusCode, nil)
	}
	return nil
}

// ── Anthropic ────────────────────────────────────────────────

// Anthropic implements Provider against the Messages API.
type Anthropic struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewAnthropic(client *http.Client) *Anthropic {
	endpoint := os.Getenv("ANTHROPIC_BASE_URL")
	if endpoint == "" {
		endpoint = "https://api.anthropic.com/v1"
	}
	return &Anthropic{apiKey: os.Getenv("ANTHROPIC_API_KEY"), endpoint: endpoint, client: client}
}

func (p *Anthropic) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model       string               `json:"model"`
	System      string               `json:"system,omitempty"`
	Messages    []models.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature float64              `json:"temperature"`
	Stream      bool                 `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

// splitSystem pulls system-role messages out; the Messages API carries the
// system prompt as a top-level field.
func splitSystem(messages []models.ChatMessage) (string, []models.ChatMessage) {
	var system []string
	rest := make([]models.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

func (p *Anthropic) do(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, wrapTransportErr(ctx, "anthropic", err)
	}
	return resp, nil
}

func (p *Anthropic) Generate(ctx context.Context, model string, messages []models.ChatMessage, opts Options) (string, int, int, error) {
	system, rest := splitSystem(messages)
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	body, _ := json.Marshal(anthropicRequest{
		Model: model, System: system, Messages: rest,
		MaxTokens: maxTokens, Temperature: opts.Temperature,
	})

	resp, err := p.do(ctx, body, false)
	if err != nil {
		return "", 0, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, 0, faults.Wrap(faults.TransientNetwork, "anthropic read", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, 0, classifyHTTP("anthropic", resp.StatusCode, respBody)
	}

	var out anthropicResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", 0, 0, faults.Wrap(faults.Internal, "anthropic decode", err)
	}
	var text strings.Builder
	for _, c := range out.Content {
		text.WriteString(c.Text)
	}
	return text.String(), out.Usage.InputTokens, out.Usage.OutputTokens, nil
}

func (p *Anthropic) Stream(ctx context.Context, model string, messages []models.ChatMessage, opts Options, chunks chan<- string) error {
	system, rest := splitSystem(messages)
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	body, _ := json.Marshal(anthropicRequest{
		Model: model, System: system, Messages: rest,
		MaxTokens: maxTokens, Temperature: opts.Temperature, Stream: true,
	})

	resp, err := p.do(ctx, body, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return classifyHTTP("anthropic", resp.StatusCode, respBody)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, found := strings.CutPrefix(scanner.Text(), "data: ")
		if !found {
			continue
		}
		var frame anthropicResponse
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}
		if frame.Delta.Text == "" {
			continue
		}
		select {
		case chunks <- frame.Delta.Text:
		case <-ctx.Done():
			return faults.Wrap(faults.Cancelled, "anthropic stream", ctx.Err())
		}
	}
	if err := scanner.Err(); err != nil {
		return wrapTransportErr(ctx, "anthropic", err)
	}
	return nil
}

func (p *Anthropic) HealthCheck(ctx context.Context) error {
	_, _, _, err := p.Generate(ctx, "claude-3-5-haiku-latest", []models.ChatMessage{{Role: "user", Content: "ok"}}, Options{MaxTokens: 1})
	return err
}

// ── Ollama ───────────────────────────────────────────────────

// Ollama implements Provider against a local Ollama server, used for
// development and air-gapped deployments.
type Ollama struct {
	endpoint string
	client   *http.Client
}

func NewOllama(client *http.Client) *Ollama {
	endpoint := os.Getenv("OLLAMA_BASE_URL")
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &Ollama{endpoint: endpoint, client: client}
}

func (p *Ollama) Name() string { return "ollama" }

type ollamaRequest struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
	Options  map[string]any       `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

func (p *Ollama) Generate(ctx context.Context, model string, messages []models.ChatMessage, opts Options) (string, int, int, error) {
	body, _ := json.Marshal(ollamaRequest{
		Model: model, Messages: messages, Stream: false,
		Options: map[string]any{"temperature": opts.Temperature, "num_predict": opts.MaxTokens},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", 0, 0, faults.Wrap(faults.Internal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", 0, 0, wrapTransportErr(ctx, "ollama", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, 0, faults.Wrap(faults.TransientNetwork, "ollama read", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, 0, classifyHTTP("ollama", resp.StatusCode, respBody)
	}

	var out ollamaResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", 0, 0, faults.Wrap(faults.Internal, "ollama decode", err)
	}
	return out.Message.Content, out.PromptEvalCount, out.EvalCount, nil
}

func (p *Ollama) Stream(ctx context.Context, model string, messages []models.ChatMessage, opts Options, chunks chan<- string) error {
	body, _ := json.Marshal(ollamaRequest{
		Model: model, Messages: messages, Stream: true,
		Options: map[string]any{"temperature": opts.Temperature, "num_predict": opts.MaxTokens},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return faults.Wrap(faults.Internal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return wrapTransportErr(ctx, "ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return classifyHTTP("ollama", resp.StatusCode, respBody)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var frame ollamaResponse
		if err := dec.Decode(&frame); err != nil {
			if err == io.EOF {
				return nil
			}
			return wrapTransportErr(ctx, "ollama", err)
		}
		if frame.Message.Content != "" {
			select {
			case chunks <- frame.Message.Content:
			case <-ctx.Done():
				return faults.Wrap(faults.Cancelled, "ollama stream", ctx.Err())
			}
		}
		if frame.Done {
			return nil
		}
	}
}

func (p *Ollama) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return wrapTransportErr(ctx, "ollama", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama health returned %d", resp.StatusCode)
	}
	return nil
}
