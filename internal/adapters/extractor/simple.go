package extractor

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"promo-digest/internal/domain"
)

// Simple реализует извлекатель эвристикой без LLM. Используется, когда ключ
// OpenAI не задан, и в тестах.
type Simple struct{}

// NewSimple создаёт эвристический извлекатель.
func NewSimple() *Simple {
	return &Simple{}
}

// Model возвращает имя псевдомодели для аудита.
func (s *Simple) Model() string {
	return "heuristic"
}

var (
	percentRe = regexp.MustCompile(`(\d{1,2})\s?%\s?(?:off|скидк)`)
	amountRe  = regexp.MustCompile(`\$(\d+(?:\.\d{1,2})?)\s?off`)
	codeRe    = regexp.MustCompile(`(?i)(?:code|промокод|код)[:\s]+([A-Z0-9]{3,20})\b`)
	promoHint = regexp.MustCompile(`(?i)%\s?off|sale|скидк|промокод|deal|discount|clearance`)
)

// Extract строит не более одного кандидата из темы и текста сигнала.
func (s *Simple) Extract(_ context.Context, signal domain.RawSignal) (domain.ExtractionResult, error) {
	subject := strings.TrimSpace(signal.Subject)
	body := strings.TrimSpace(signal.BodyText)
	text := subject + "\n" + body

	if !promoHint.MatchString(text) {
		return domain.ExtractionResult{IsPromo: false}, nil
	}

	headline := subject
	if headline == "" {
		for _, line := range strings.Split(body, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				headline = trimmed
				break
			}
		}
	}
	if headline == "" {
		return domain.ExtractionResult{IsPromo: false}, nil
	}

	candidate := domain.PromoCandidate{
		Headline:   clipRunes(headline, 160),
		Confidence: 0.4,
	}
	lower := strings.ToLower(text)
	if m := percentRe.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			candidate.PercentOff = &v
			candidate.Confidence = 0.6
		}
	}
	if m := amountRe.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			candidate.AmountOff = &v
			candidate.Confidence = 0.6
		}
	}
	if m := codeRe.FindStringSubmatch(text); m != nil {
		candidate.Code = strings.ToUpper(m[1])
		candidate.Confidence = 0.7
	}
	if len(signal.TopLinks) > 0 {
		candidate.LandingURL = signal.TopLinks[0]
	}

	return domain.ExtractionResult{
		IsPromo: true,
		Promos:  []domain.PromoCandidate{candidate},
		Notes:   []string{"heuristic extraction"},
	}, nil
}
