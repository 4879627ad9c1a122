package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads environment variables from .env files. A missing file yields an
// error that callers may ignore and fall back to the process env or defaults.
// With no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of key, or fallback if it is unset,
// empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration parses key with time.ParseDuration ("500ms", "10s"). A bare
// integer is taken as seconds. Invalid, zero or negative values yield fallback,
// so a timeout read this way can never be switched off.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// Camera is one entry of the boot-time camera file.
type Camera struct {
	ID  string `yaml:"cam_id"`
	URL string `yaml:"cam_url"`
}

type camerasFile struct {
	Cameras []Camera `yaml:"cameras"`
}

// LoadCameras reads the YAML camera list at path:
//
//	cameras:
//	  - cam_id: front-door
//	    cam_url: rtsp://10.0.0.5/stream1
//
// An empty path returns no cameras. Entries must have both fields and ids must
// be unique.
func LoadCameras(path string) ([]Camera, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cameras file: %w", err)
	}

	var f camerasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse cameras file: %w", err)
	}

	seen := make(map[string]bool, len(f.Cameras))
	for i, c := range f.Cameras {
		if c.ID == "" || c.URL == "" {
			return nil, fmt.Errorf("cameras[%d]: cam_id and cam_url are required", i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("cameras[%d]: duplicate cam_id %q", i, c.ID)
		}
		seen[c.ID] = true
	}
	return f.Cameras, nil
}
