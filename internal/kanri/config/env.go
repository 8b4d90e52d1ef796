package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// envOr returns the parsed value of the environment variable name, or def
// when it is unset or empty. Unparseable values are logged and ignored.
func envOr[T any](name string, def T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		slog.Warn("ignoring invalid environment variable", "name", name, "err", err)
		return def
	}
	return v
}

func envString(name, def string) string {
	return envOr(name, def, func(s string) (string, error) { return s, nil })
}

// envSecret reads a value that may only come from the environment.
func envSecret(name string) string {
	return envString(name, "")
}

func envBool(name string, def bool) bool {
	return envOr(name, def, strconv.ParseBool)
}

func envInt(name string, def int) int {
	return envOr(name, def, strconv.Atoi)
}

func envDuration(name string, def time.Duration) time.Duration {
	return envOr(name, def, time.ParseDuration)
}

// envList splits a comma-separated value, dropping blanks.
func envList(name string, def []string) []string {
	list := envOr(name, def, func(s string) ([]string, error) {
		var out []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	})
	if len(list) == 0 {
		return def
	}
	return list
}
