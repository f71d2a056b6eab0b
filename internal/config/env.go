package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads root/.env into the process environment. A missing file is
// not an error and variables already set are never overwritten.
func LoadDotEnv(root string) error {
	err := godotenv.Load(filepath.Join(root, ".env"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// ApplyEnv overlays RESEARCH_* environment variables onto cfg.
func ApplyEnv(cfg Config, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("RESEARCH_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := getenv("RESEARCH_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := getenv("RESEARCH_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := getenv("RESEARCH_ADDR"); v != "" {
		host, port, ok := strings.Cut(v, ":")
		if !ok {
			return cfg, fmt.Errorf("%w: RESEARCH_ADDR %q is not host:port", ErrInvalid, v)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return cfg, fmt.Errorf("%w: RESEARCH_ADDR port: %v", ErrInvalid, err)
		}
		cfg.Server.Host, cfg.Server.Port = host, p
	}
	if v := getenv("RESEARCH_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.OTLPEndpoint = v
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"RESEARCH_WORKERS", &cfg.Orchestrator.Workers},
		{"RESEARCH_MAX_REVISIONS", &cfg.Orchestrator.MaxRevisions},
	}
	for _, e := range ints {
		v := getenv(e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: %s: %v", ErrInvalid, e.name, err)
		}
		*e.dst = n
	}

	if v := getenv("RESEARCH_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: RESEARCH_DEBUG: %v", ErrInvalid, err)
		}
		cfg.Debug = b
	}
	return cfg, nil
}
