package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/easel-sd/easel/internal/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "easel.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if config.Server.Port != 7860 {
		t.Errorf("port = %d, want 7860", config.Server.Port)
	}
	if config.Engines.GetStartupTimeout() != 90*time.Second {
		t.Errorf("startup timeout = %v, want 90s", config.Engines.GetStartupTimeout())
	}
	if config.Processor.GetPollInterval() != time.Second {
		t.Errorf("poll interval = %v, want 1s", config.Processor.GetPollInterval())
	}
	if config.Registry.BaseURL != "https://huggingface.co" {
		t.Errorf("registry base = %s", config.Registry.BaseURL)
	}
}

func TestLoadConfigFileAndModels(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9001

[engines]
startup_timeout = "45s"

[[models]]
id = "sd15"
name = "SD 1.5"
command = "sd-server"
exec_mode = "server"
port = 8001

[models.generation_params]
sample_steps = 9
size = "512x512"

[[models]]
id = "up"
command = "sd"
exec_mode = "cli"
`)

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if config.Server.Port != 9001 {
		t.Errorf("port = %d, want 9001", config.Server.Port)
	}
	if config.Engines.GetStartupTimeout() != 45*time.Second {
		t.Errorf("startup timeout = %v, want 45s", config.Engines.GetStartupTimeout())
	}

	if len(config.Models) != 2 {
		t.Fatalf("models = %d, want 2", len(config.Models))
	}
	sd := config.Model("sd15")
	if sd == nil {
		t.Fatal("Model(sd15) = nil")
	}
	if sd.GenerationParams.SampleSteps == nil || *sd.GenerationParams.SampleSteps != 9 {
		t.Errorf("sample_steps = %v, want 9", sd.GenerationParams.SampleSteps)
	}
	if config.DefaultModel().ID != "sd15" {
		t.Errorf("default model = %s, want first configured", config.DefaultModel().ID)
	}
	if config.Model("ghost") != nil {
		t.Error("Model(ghost) should be nil")
	}
}

func TestLoadConfigModelValidation(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"missing id", "[[models]]\ncommand = \"sd\"\n"},
		{"missing command", "[[models]]\nid = \"m1\"\n"},
		{"duplicate id", "[[models]]\nid = \"m1\"\ncommand = \"sd\"\n[[models]]\nid = \"m1\"\ncommand = \"sd\"\n"},
		{"bad exec mode", "[[models]]\nid = \"m1\"\ncommand = \"sd\"\nexec_mode = \"daemon\"\n"},
		{"bad load mode", "[[models]]\nid = \"m1\"\ncommand = \"sd\"\nload_mode = \"eager\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.toml)
			if _, err := LoadConfig(path); err == nil {
				t.Error("LoadConfig() accepted an invalid descriptor")
			}
		})
	}
}

func TestLoadConfigModeDefaults(t *testing.T) {
	path := writeConfig(t, "[[models]]\nid = \"m1\"\ncommand = \"sd\"\n")
	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	m := config.Model("m1")
	if m.ExecMode != models.ExecModeServer {
		t.Errorf("exec_mode = %s, want server default", m.ExecMode)
	}
	if m.LoadMode != models.LoadModeOnDemand {
		t.Errorf("load_mode = %s, want on_demand default", m.LoadMode)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EASEL_PORT", "8123")
	t.Setenv("EASEL_LOG_LEVEL", "debug")
	t.Setenv("EASEL_DATA_PATH", "/var/lib/easel")
	t.Setenv("EASEL_REGISTRY_URL", "http://registry.local")

	config, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if config.Server.Port != 8123 {
		t.Errorf("port = %d, want 8123", config.Server.Port)
	}
	if config.Logging.Level != "debug" {
		t.Errorf("log level = %s", config.Logging.Level)
	}
	if config.Storage.ModelsPath != filepath.Join("/var/lib/easel", "models") {
		t.Errorf("models path = %s", config.Storage.ModelsPath)
	}
	if config.Registry.BaseURL != "http://registry.local" {
		t.Errorf("registry base = %s", config.Registry.BaseURL)
	}
}

func TestDurationFallbacks(t *testing.T) {
	e := EnginesConfig{StartupTimeout: "not a duration", KillGracePeriod: ""}
	if e.GetStartupTimeout() != 90*time.Second {
		t.Errorf("startup timeout fallback = %v", e.GetStartupTimeout())
	}
	if e.GetKillGracePeriod() != 5*time.Second {
		t.Errorf("grace fallback = %v", e.GetKillGracePeriod())
	}

	p := ProcessorConfig{}
	if p.GetDownloadMaxAge() != 24*time.Hour {
		t.Errorf("max age fallback = %v", p.GetDownloadMaxAge())
	}
	if p.GetCleanupInterval() != time.Hour {
		t.Errorf("cleanup fallback = %v", p.GetCleanupInterval())
	}
}
