package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("CAMRELAY_TEST_STR", "value")
	if got := GetEnv("CAMRELAY_TEST_STR", "fallback"); got != "value" {
		t.Errorf("expected value, got %q", got)
	}
	if got := GetEnv("CAMRELAY_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("CAMRELAY_TEST_INT", "16")
	if got := GetEnvInt("CAMRELAY_TEST_INT", 8); got != 16 {
		t.Errorf("expected 16, got %d", got)
	}
	t.Setenv("CAMRELAY_TEST_INT", "sixteen")
	if got := GetEnvInt("CAMRELAY_TEST_INT", 8); got != 8 {
		t.Errorf("invalid value should fall back, got %d", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	cases := []struct {
		value string
		want  time.Duration
	}{
		{"", 10 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"2m", 2 * time.Minute},
		{"30", 30 * time.Second},
		{"-5s", 10 * time.Second},
		{"0", 10 * time.Second},
		{"0s", 10 * time.Second},
		{"soon", 10 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.value, func(t *testing.T) {
			t.Setenv("CAMRELAY_TEST_DUR", tc.value)
			if got := GetEnvDuration("CAMRELAY_TEST_DUR", 10*time.Second); got != tc.want {
				t.Errorf("GetEnvDuration(%q) = %v, want %v", tc.value, got, tc.want)
			}
		})
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cameras.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadCameras(t *testing.T) {
	t.Run("empty_path", func(t *testing.T) {
		cams, err := LoadCameras("")
		if err != nil || cams != nil {
			t.Errorf("expected no cameras and no error, got %v %v", cams, err)
		}
	})

	t.Run("valid", func(t *testing.T) {
		path := writeFile(t, `
cameras:
  - cam_id: front
    cam_url: rtsp://10.0.0.5/stream1
  - cam_id: "7"
    cam_url: /dev/video0
`)
		cams, err := LoadCameras(path)
		if err != nil {
			t.Fatalf("LoadCameras: %v", err)
		}
		if len(cams) != 2 || cams[0].ID != "front" || cams[1].URL != "/dev/video0" {
			t.Errorf("unexpected cameras %+v", cams)
		}
	})

	t.Run("missing_url", func(t *testing.T) {
		path := writeFile(t, "cameras:\n  - cam_id: front\n")
		if _, err := LoadCameras(path); err == nil {
			t.Error("expected error for camera without cam_url")
		}
	})

	t.Run("duplicate_id", func(t *testing.T) {
		path := writeFile(t, "cameras:\n  - {cam_id: a, cam_url: x}\n  - {cam_id: a, cam_url: y}\n")
		if _, err := LoadCameras(path); err == nil {
			t.Error("expected error for duplicate cam_id")
		}
	})

	t.Run("missing_file", func(t *testing.T) {
		if _, err := LoadCameras(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}
