package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv reads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// EnvString returns a trimmed environment value and whether it was set.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses an integer environment value.
func EnvInt(key string) (int, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvDuration parses a Go duration environment value.
func EnvDuration(key string) (time.Duration, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvBool parses a boolean environment value.
func EnvBool(key string) (bool, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return false, false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// ApplyEnv overlays PRICEWATCH_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	strs := map[string]*string{
		"PRICEWATCH_FETCH_SERVICE_URL":   &cfg.FetchServiceURL,
		"PRICEWATCH_EXTRACT_SERVICE_URL": &cfg.ExtractServiceURL,
		"PRICEWATCH_PROXY_URL":           &cfg.ProxyURL,
		"PRICEWATCH_DB_DRIVER":           &cfg.DatabaseDriver,
		"PRICEWATCH_DB_DSN":              &cfg.DatabaseDSN,
		"PRICEWATCH_CATALOG_API_URL":     &cfg.CatalogAPIURL,
		"PRICEWATCH_CATALOG_API_TOKEN":   &cfg.CatalogAPIToken,
		"PRICEWATCH_PROFILES_FILE":       &cfg.ProfilesFile,
		"PRICEWATCH_METRICS_ADDR":        &cfg.MetricsAddr,
		"PRICEWATCH_MAPPER":              &cfg.MapperMode,
		"PRICEWATCH_ROUND_PRICE_POLICY":  &cfg.RoundPricePolicy,
		"PRICEWATCH_DEDUP_POLICY":        &cfg.DedupPolicy,
	}
	for key, dst := range strs {
		if value, ok := EnvString(key); ok {
			*dst = value
		}
	}

	ints := map[string]*int{
		"PRICEWATCH_CONCURRENCY":       &cfg.Concurrency,
		"PRICEWATCH_BATCH_SIZE":        &cfg.BatchSize,
		"PRICEWATCH_MAX_RETRIES":       &cfg.MaxRetries,
		"PRICEWATCH_MAX_URLS_PER_SITE": &cfg.MaxURLsPerSite,
	}
	for key, dst := range ints {
		value, ok, err := EnvInt(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = value
		}
	}

	durations := map[string]*time.Duration{
		"PRICEWATCH_FETCH_TIMEOUT":         &cfg.FetchTimeout,
		"PRICEWATCH_BATCH_DELAY":           &cfg.BatchDelay,
		"PRICEWATCH_FLUSH_INTERVAL":        &cfg.FlushInterval,
		"PRICEWATCH_BREAKER_RESET_TIMEOUT": &cfg.BreakerResetTimeout,
	}
	for key, dst := range durations {
		value, ok, err := EnvDuration(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = value
		}
	}

	if value, ok, err := EnvBool("PRICEWATCH_LLM_FALLBACK"); err != nil {
		return err
	} else if ok {
		cfg.LLMFallback = value
	}
	if value, ok := EnvString("PRICEWATCH_SITES"); ok {
		cfg.Sites = splitList(value)
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
