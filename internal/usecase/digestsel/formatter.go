package digestsel

import (
	"fmt"
	"html"
	"strings"
	"time"

	"promo-digest/internal/domain"
)

// FormatDigest формирует текстовое представление дайджеста для отправки.
// Позиции группируются по магазинам в порядке первого появления.
func FormatDigest(periodKey string, items []domain.DigestItem) string {
	if len(items) == 0 {
		return ""
	}

	order := make([]string, 0)
	groups := make(map[string][]domain.DigestItem)
	for _, item := range items {
		store := strings.TrimSpace(item.StoreName)
		if store == "" {
			store = "Другие магазины"
		}
		if _, ok := groups[store]; !ok {
			order = append(order, store)
		}
		groups[store] = append(groups[store], item)
	}

	var builder strings.Builder
	builder.WriteString("🏷 <b>Промо-дайджест за " + html.EscapeString(periodKey) + "</b>")
	for _, store := range order {
		builder.WriteString("\n\n<b>" + html.EscapeString(store) + "</b>")
		for _, item := range groups[store] {
			builder.WriteString("\n" + formatItem(item))
		}
	}
	return strings.TrimSpace(builder.String())
}

func formatItem(item domain.DigestItem) string {
	badge := "🆕"
	if item.Badge == domain.BadgeUpdated {
		badge = "♻️"
	}

	title := html.EscapeString(strings.TrimSpace(item.Promo.Headline))
	if url := strings.TrimSpace(item.Promo.LandingURL); url != "" {
		title = fmt.Sprintf("<a href=\"%s\">%s</a>", html.EscapeString(url), title)
	}

	parts := []string{badge + " " + title}
	if text := discountText(item.Promo); text != "" {
		parts = append(parts, html.EscapeString(text))
	}
	if code := strings.TrimSpace(item.Promo.Code); code != "" {
		parts = append(parts, "код <code>"+html.EscapeString(code)+"</code>")
	}
	if item.Promo.EndsAt != nil {
		suffix := ""
		if item.Promo.EndInferred {
			suffix = "?"
		}
		parts = append(parts, "до "+item.Promo.EndsAt.Format("02.01")+suffix)
	}
	return "• " + strings.Join(parts, " — ")
}

func discountText(promo domain.Promo) string {
	if text := strings.TrimSpace(promo.DiscountText); text != "" {
		return text
	}
	if promo.PercentOff != nil {
		return fmt.Sprintf("скидка %g%%", *promo.PercentOff)
	}
	if promo.AmountOff != nil {
		return fmt.Sprintf("скидка $%g", *promo.AmountOff)
	}
	return ""
}

// PeriodKey возвращает ключ периода запуска в часовом поясе отчёта.
func PeriodKey(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Format("2006-01-02")
}
