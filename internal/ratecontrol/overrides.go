package ratecontrol

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// overridesFile mirrors the rate_limits section of the limits YAML file.
type overridesFile struct {
	RateLimits struct {
		DefaultRPM     int `yaml:"default_rpm"`
		DefaultBurst   int `yaml:"default_burst"`
		ClassOverrides map[string]struct {
			RPM   int `yaml:"rpm"`
			Burst int `yaml:"burst"`
		} `yaml:"class_overrides"`
	} `yaml:"rate_limits"`
}

// LoadOverrides reads a limits YAML file and returns the limit for each of
// the given classes, falling back to the file defaults and then to fallback.
// A missing file yields fallback for every class.
func LoadOverrides(path string, classes []string, fallback Limit) (map[string]Limit, error) {
	out := make(map[string]Limit, len(classes))
	for _, c := range classes {
		out[c] = fallback
	}
	if path == "" {
		return out, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("read rate limits: %w", err)
	}
	var f overridesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal rate limits: %w", err)
	}

	def := fallback
	if f.RateLimits.DefaultRPM > 0 {
		def.RequestsPerMinute = f.RateLimits.DefaultRPM
	}
	if f.RateLimits.DefaultBurst > 0 {
		def.Burst = f.RateLimits.DefaultBurst
	}
	for _, c := range classes {
		limit := def
		if ov, ok := f.RateLimits.ClassOverrides[strings.ToLower(strings.TrimSpace(c))]; ok {
			if ov.RPM > 0 {
				limit.RequestsPerMinute = ov.RPM
			}
			if ov.Burst > 0 {
				limit.Burst = ov.Burst
			}
		}
		out[c] = limit
	}
	return out, nil
}
