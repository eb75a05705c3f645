package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"promo-digest/internal/domain"
	openai "promo-digest/internal/infra/openai"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

const systemPrompt = `You extract retail promotions from marketing emails.
Return strict JSON of the form:
{"is_promo_email": bool, "promos": [{"headline": str, "summary": str, "discount_text": str, "percent_off": number|null, "amount_off": number|null, "code": str|null, "starts_at": "YYYY-MM-DD"|null, "ends_at": "YYYY-MM-DD"|null, "end_inferred": bool, "exclusions": [str], "landing_url": str|null, "confidence": number}], "notes": [str]}
Rules:
- one entry per distinct offer; do not invent offers that are not in the text
- set end_inferred=true when the end date is implied ("this weekend only") rather than stated
- confidence is 0..1 for how certain you are the offer is real
- keep headline short, in the language of the email`

// OpenAI извлекает кандидатов промо через Chat Completions.
type OpenAI struct {
	client  chatClient
	model   string
	timeout time.Duration
}

// NewOpenAI создаёт извлекатель на LLM.
func NewOpenAI(client chatClient, model string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAI{client: client, model: model, timeout: timeout}
}

// Model возвращает имя модели для аудита.
func (o *OpenAI) Model() string {
	return o.model
}

// Extract разбирает один сигнал в список кандидатов.
func (o *OpenAI) Extract(ctx context.Context, signal domain.RawSignal) (domain.ExtractionResult, error) {
	body := strings.TrimSpace(signal.BodyText)
	if body == "" && strings.TrimSpace(signal.Subject) == "" {
		return domain.ExtractionResult{IsPromo: false}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", signal.Subject)
	fmt.Fprintf(&b, "Received: %s\n", signal.ReceivedAt.Format("2006-01-02"))
	if len(signal.TopLinks) > 0 {
		fmt.Fprintf(&b, "Links: %s\n", strings.Join(signal.TopLinks, " "))
	}
	b.WriteString("Body:\n")
	b.WriteString(clipRunes(body, 8000))

	req := openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: 0,
		MaxTokens:   1500,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleSystem, Content: systemPrompt},
			{Role: openai.RoleUser, Content: b.String()},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ResponseFormatTypeJSONObject},
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.ExtractionResult{}, fmt.Errorf("openai completion: пустой ответ")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)

	var result domain.ExtractionResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("распаковка ответа LLM: %w", err)
	}
	result.Promos = filterCandidates(result.Promos)
	return result, nil
}

// filterCandidates отбрасывает мусорные записи без заголовка.
func filterCandidates(candidates []domain.PromoCandidate) []domain.PromoCandidate {
	out := make([]domain.PromoCandidate, 0, len(candidates))
	for _, c := range candidates {
		if strings.TrimSpace(c.Headline) == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

func clipRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
