package merge

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

// Классы символов обязаны быть юникодными: \w и \s в RE2 покрывают только
// ASCII, и кириллический заголовок выродился бы в пунктуационный остаток.
var (
	whitespaceRe = regexp.MustCompile(`[\s\p{Z}]+`)
	punctRe      = regexp.MustCompile(`[^\p{L}\p{N}_\s\p{Z}]`)
)

// NormalizeURL убирает query и fragment для устойчивого сравнения ссылок:
// https://nike.com/sale?utm_source=email#top -> nike.com/sale.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return ""
	}
	host := strings.ToLower(parsed.Host)
	path := strings.TrimRight(parsed.Path, "/")
	if path == "" {
		return host
	}
	return host + path
}

// NormalizeHeadline приводит заголовок к канонической форме:
// нижний регистр, схлопнутые пробелы, без пунктуации.
func NormalizeHeadline(headline string) string {
	headline = strings.TrimSpace(strings.ToLower(headline))
	if headline == "" {
		return ""
	}
	normalized := whitespaceRe.ReplaceAllString(headline, " ")
	return punctRe.ReplaceAllString(normalized, "")
}

// ComputeBaseKey вычисляет ключ идентичности с фиксированным приоритетом:
// промокод, затем нормализованный URL, затем хэш заголовка. Формат ключа —
// контракт совместимости: он должен совпадать между реализациями.
func ComputeBaseKey(code, landingURL, headline string) string {
	if c := strings.TrimSpace(code); c != "" {
		return "code:" + strings.ToUpper(c)
	}
	if landingURL != "" {
		if normalized := NormalizeURL(landingURL); normalized != "" {
			return "url:" + normalized
		}
	}
	sum := md5.Sum([]byte(NormalizeHeadline(headline)))
	return "head:" + hex.EncodeToString(sum[:])[:16]
}
