package grammar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

const systemPrompt = `You are a writing assistant. Review the sentence the user marks as SENTENCE, using CONTEXT only to understand it.
Reply with a single JSON object and nothing else:
{"suggestions":[{"type":"grammar|style|clarity","original":"exact text from the sentence","suggestion":"replacement text","reason":"short explanation"}],
 "score":<0-100 quality of the sentence as written>,
 "improvedScore":<0-100 quality after applying every suggestion>,
 "readabilityGrade":<Flesch-Kincaid grade level>}
Return an empty suggestions array when the sentence needs no change.`

type OpenAIOptions struct {
	BaseURL         string
	Model           string
	APIKey          string
	Timeout         time.Duration
	InputTokenRate  float64
	OutputTokenRate float64
	MaxSentenceLen  int
}

func (o *OpenAIOptions) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4o-mini"
	}
	if o.APIKey == "" {
		o.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxSentenceLen <= 0 {
		o.MaxSentenceLen = 500
	}
}

// OpenAIClient is an Oracle backed by an OpenAI-compatible chat-completions
// endpoint.
type OpenAIClient struct {
	url        string
	apiKey     string
	model      string
	inputRate  float64
	outputRate float64
	maxLen     int
	do         func(*http.Request) (*http.Response, error)
}

func NewOpenAIClient(opts OpenAIOptions) (*OpenAIClient, error) {
	opts.defaults()
	if opts.APIKey == "" {
		return nil, fmt.Errorf("grammar oracle: missing api key: %w", ErrInvalidRequest)
	}
	hc := &http.Client{Timeout: opts.Timeout}
	return &OpenAIClient{
		url:        strings.TrimRight(opts.BaseURL, "/") + "/chat/completions",
		apiKey:     opts.APIKey,
		model:      opts.Model,
		inputRate:  opts.InputTokenRate,
		outputRate: opts.OutputTokenRate,
		maxLen:     opts.MaxSentenceLen,
		do:         hc.Do,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type verdict struct {
	Suggestions      []Suggestion `json:"suggestions"`
	Score            float64      `json:"score"`
	ImprovedScore    float64      `json:"improvedScore"`
	ReadabilityGrade *float64     `json:"readabilityGrade"`
}

func (c *OpenAIClient) Check(ctx context.Context, sentence, surrounding string) (Response, error) {
	if runeLen(sentence) > c.maxLen {
		return Response{}, ErrSentenceTooLong
	}

	user := "SENTENCE:\n" + sentence
	if strings.TrimSpace(surrounding) != "" {
		user = "CONTEXT:\n" + surrounding + "\n\n" + user
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("new request: %v: %w", err, ErrInvalidRequest)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Response{}, ctx.Err()
		}
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Response{}, ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(slurp))
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5 {
			return Response{}, upstreamError{status: resp.StatusCode, msg: msg}
		}
		return Response{}, fmt.Errorf("grammar oracle upstream %d: %w", resp.StatusCode, ErrInvalidRequest)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Response{}, fmt.Errorf("decode: %w", ErrResponseInvalid)
	}
	if len(cr.Choices) == 0 || strings.TrimSpace(cr.Choices[0].Message.Content) == "" {
		return Response{}, ErrResponseInvalid
	}
	v, err := parseVerdict(cr.Choices[0].Message.Content)
	if err != nil {
		return Response{}, err
	}

	out := Response{Result: Result{
		Suggestions:      v.Suggestions,
		Score:            v.Score,
		ImprovedScore:    v.ImprovedScore,
		ReadabilityGrade: v.ReadabilityGrade,
	}}
	if out.Result.Suggestions == nil {
		out.Result.Suggestions = []Suggestion{}
	}
	if cr.Usage != nil && (c.inputRate > 0 || c.outputRate > 0) {
		out.Cost = float64(cr.Usage.PromptTokens)*c.inputRate + float64(cr.Usage.CompletionTokens)*c.outputRate
		out.CostReported = true
	}
	return out, nil
}

// parseVerdict decodes the model's JSON reply, repairing it first when the
// model wrapped it in prose or code fences or left it truncated.
func parseVerdict(content string) (verdict, error) {
	var v verdict
	if err := json.Unmarshal([]byte(content), &v); err == nil {
		return v, nil
	}
	repaired, err := jsonrepair.JSONRepair(stripFences(content))
	if err != nil {
		return verdict{}, fmt.Errorf("repair reply: %v: %w", err, ErrResponseInvalid)
	}
	v = verdict{}
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return verdict{}, fmt.Errorf("decode reply: %w", ErrResponseInvalid)
	}
	return v, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
