package utils

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the value of key, or fallback when it is unset or empty.
func GetEnv(key string, fallback ...string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	if len(fallback) > 0 {
		return fallback[0]
	}
	return ""
}

func GetEnvInt(key string, fallback int) int {
	value, err := strconv.Atoi(GetEnv(key))
	if err != nil {
		return fallback
	}
	return value
}

func GetEnvFloat(key string, fallback float64) float64 {
	value, err := strconv.ParseFloat(GetEnv(key), 64)
	if err != nil {
		return fallback
	}
	return value
}

func GetEnvBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(GetEnv(key))
	if err != nil {
		return fallback
	}
	return value
}

// GetEnvDuration accepts Go duration strings ("15s") or a bare number of seconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := GetEnv(key)
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

// GetEnvList splits a comma separated value, dropping empty items.
func GetEnvList(key string, fallback []string) []string {
	raw := GetEnv(key)
	if raw == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
