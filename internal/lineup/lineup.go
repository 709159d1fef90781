// Package lineup imports channel definitions from a YAML seed file into the
// channel database.
package lineup

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kineticman/prismcast/internal/models"
	"github.com/kineticman/prismcast/internal/repository"
)

// File is the YAML lineup document.
type File struct {
	Channels []Entry `yaml:"channels"`
}

// Entry is one channel definition in the seed file.
type Entry struct {
	Number     int    `yaml:"number"`
	Name       string `yaml:"name"`
	CaptureURL string `yaml:"capture_url"`
	Profile    string `yaml:"profile"`
	Enabled    *bool  `yaml:"enabled"`
	Logo       string `yaml:"logo"`
}

// Parse reads a lineup file.
func Parse(data []byte) (*File, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing lineup file: %w", err)
	}
	return &file, nil
}

// Import upserts the lineup file at path into the channel repository, keyed
// by channel number. Invalid entries are skipped with a warning so one bad
// line cannot block the rest of the lineup.
func Import(ctx context.Context, path string, repo *repository.ChannelRepository, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading lineup file: %w", err)
	}

	file, err := Parse(data)
	if err != nil {
		return 0, err
	}

	imported := 0
	for _, entry := range file.Channels {
		channel := &models.Channel{
			Number:     entry.Number,
			Name:       entry.Name,
			CaptureURL: entry.CaptureURL,
			Profile:    entry.Profile,
			Enabled:    entry.Enabled,
			Logo:       entry.Logo,
		}
		if err := channel.Validate(); err != nil {
			logger.Warn("skipping invalid lineup entry",
				slog.Int("number", entry.Number),
				slog.String("name", entry.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := repo.UpsertByNumber(ctx, channel); err != nil {
			return imported, fmt.Errorf("importing channel %d: %w", entry.Number, err)
		}
		imported++
	}

	logger.Info("lineup imported",
		slog.String("file", path),
		slog.Int("channels", imported),
	)
	return imported, nil
}
