package seed

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"promo-digest/internal/domain"
)

// YAMLSource читает список магазинов из YAML-файла посева.
type YAMLSource struct {
	path string
}

// NewYAMLSource создаёт источник посева.
func NewYAMLSource(path string) *YAMLSource {
	return &YAMLSource{path: path}
}

type seedFile struct {
	Stores []domain.StoreSeed `yaml:"stores"`
}

// Load возвращает записи посева. Отсутствие файла пробрасывается как
// os.ErrNotExist, чтобы вызывающий мог пропустить стадию.
func (s *YAMLSource) Load() ([]domain.StoreSeed, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("разбор файла посева %s: %w", s.path, err)
	}

	out := make([]domain.StoreSeed, 0, len(file.Stores))
	for _, entry := range file.Stores {
		entry.Slug = strings.ToLower(strings.TrimSpace(entry.Slug))
		entry.Name = strings.TrimSpace(entry.Name)
		if entry.Slug == "" || entry.Name == "" {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
