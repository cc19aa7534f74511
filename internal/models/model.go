// Package models defines the domain types shared across Easel.
package models

import "fmt"

// Execution modes for engine processes.
const (
	ExecModeServer = "server" // long-running HTTP engine
	ExecModeCLI    = "cli"    // one-shot invocation per job
)

// Load modes for configured models.
const (
	LoadModeOnDemand = "on_demand"
	LoadModePreload  = "preload"
)

// Model capabilities.
const (
	CapabilityTxt2Img = "txt2img"
	CapabilityImg2Img = "img2img"
	CapabilityInpaint = "inpaint"
	CapabilityUpscale = "upscale"
)

// GenerationParams holds a model's default generation parameters.
// A nil pointer field means the model declares no default and the
// parameter is omitted unless the user supplies it.
type GenerationParams struct {
	CFGScale       *float64 `toml:"cfg_scale" json:"cfg_scale,omitempty"`
	SampleSteps    *int     `toml:"sample_steps" json:"sample_steps,omitempty"`
	SamplingMethod string   `toml:"sampling_method" json:"sampling_method,omitempty"`
	Size           string   `toml:"size" json:"size,omitempty"`
	ClipSkip       *int     `toml:"clip_skip" json:"clip_skip,omitempty"`
}

// ModelDescriptor is a statically configured inference engine definition.
type ModelDescriptor struct {
	ID               string           `toml:"id" json:"id"`
	Name             string           `toml:"name" json:"name"`
	Description      string           `toml:"description" json:"description,omitempty"`
	Command          string           `toml:"command" json:"command"`
	Args             []string         `toml:"args" json:"args,omitempty"`
	APIURL           string           `toml:"api_url" json:"api_url,omitempty"` // server mode only
	LoadMode         string           `toml:"load_mode" json:"load_mode"`
	ExecMode         string           `toml:"exec_mode" json:"exec_mode"`
	Port             int              `toml:"port" json:"port,omitempty"` // preferred; auto-assigned if taken
	StartupTimeoutMS int64            `toml:"startup_timeout_ms" json:"startup_timeout_ms,omitempty"`
	GenerationParams GenerationParams `toml:"generation_params" json:"generation_params"`
	RegistryRepo     string           `toml:"registry_repo" json:"registry_repo,omitempty"`
	RegistryFiles    []string         `toml:"registry_files" json:"registry_files,omitempty"`
	Capabilities     []string         `toml:"capabilities" json:"capabilities,omitempty"`
}

// HasCapability reports whether the model declares the given capability.
// A model with no declared capabilities is treated as txt2img-only.
func (m *ModelDescriptor) HasCapability(cap string) bool {
	if len(m.Capabilities) == 0 {
		return cap == CapabilityTxt2Img
	}
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// BaseURL returns the engine's API base URL for a given bound port.
// An explicit api_url in the descriptor wins over the derived loopback URL.
func (m *ModelDescriptor) BaseURL(port int) string {
	if m.APIURL != "" {
		return m.APIURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}
