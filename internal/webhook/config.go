package webhook

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/procpool/internal/config"
)

// FromConfig converts the webhooks section into a server Config.
func FromConfig(wc config.WebhooksConfig) (Config, error) {
	cfg := Config{
		Listen:    wc.Listen,
		Endpoints: make([]EndpointConfig, 0, len(wc.Endpoints)),
	}
	for _, ep := range wc.Endpoints {
		if ep.Secret == "" {
			return Config{}, fmt.Errorf("webhook endpoint %q: no secret configured", ep.Path)
		}
		size, err := parseMaxBodySize(ep.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("webhook endpoint %q: invalid max_body_size %q: %w", ep.Path, ep.MaxBodySize, err)
		}
		cfg.Endpoints = append(cfg.Endpoints, EndpointConfig{
			Path:            ep.Path,
			Queue:           ep.Queue,
			Secret:          ep.Secret,
			SignatureHeader: ep.SignatureHeader,
			MaxBodySize:     size,
		})
	}
	return cfg, nil
}

var sizeUnits = []struct {
	suffix string
	mult   int64
}{
	{"KB", 1 << 10},
	{"MB", 1 << 20},
	{"GB", 1 << 30},
}

// parseMaxBodySize parses "1MB", "512KB" or plain "2048". Empty means the default.
func parseMaxBodySize(size string) (int64, error) {
	size = strings.ToUpper(strings.TrimSpace(size))
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	mult := int64(1)
	for _, u := range sizeUnits {
		if n, ok := strings.CutSuffix(size, u.suffix); ok {
			size, mult = strings.TrimSpace(n), u.mult
			break
		}
	}

	value, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, errors.New("size must be positive")
	}
	if value > (1<<62)/mult {
		return 0, errors.New("size too large")
	}
	return value * mult, nil
}
