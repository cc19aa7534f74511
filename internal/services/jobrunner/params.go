package jobrunner

import (
	"strconv"
	"strings"

	"github.com/easel-sd/easel/internal/models"
)

// effectiveParams is the merged parameter set for one job: the user's value
// wins, else the model's generation_params default, else the parameter is
// omitted entirely. Sample steps in particular have no hard-coded fallback.
type effectiveParams struct {
	Width          int
	Height         int
	Steps          *int
	CFGScale       *float64
	SamplingMethod string
	ClipSkip       *int
	Strength       *float64
}

func resolveParams(job *models.Job, desc *models.ModelDescriptor) effectiveParams {
	defaults := desc.GenerationParams

	p := effectiveParams{
		Steps:          job.SampleSteps,
		CFGScale:       job.CFGScale,
		SamplingMethod: job.SamplingMethod,
		ClipSkip:       job.ClipSkip,
		Strength:       job.Strength,
	}
	if p.Steps == nil {
		p.Steps = defaults.SampleSteps
	}
	if p.CFGScale == nil {
		p.CFGScale = defaults.CFGScale
	}
	if p.SamplingMethod == "" {
		p.SamplingMethod = defaults.SamplingMethod
	}
	if p.ClipSkip == nil {
		p.ClipSkip = defaults.ClipSkip
	}

	size := job.Size
	if size == "" {
		size = defaults.Size
	}
	p.Width, p.Height = parseSize(size)
	return p
}

// parseSize parses "WxH"; anything malformed yields (0, 0) and the
// dimensions are omitted from engine requests.
func parseSize(size string) (int, int) {
	parts := strings.SplitN(strings.ToLower(size), "x", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0
	}
	return w, h
}

// qualitySteps maps a named quality tier to a step count for CLI engines.
// Unknown tiers map to nothing and the flag is omitted.
func qualitySteps(quality string) *int {
	var steps int
	switch strings.ToLower(quality) {
	case "low", "draft":
		steps = 10
	case "standard", "medium":
		steps = 20
	case "hd", "high":
		steps = 30
	default:
		return nil
	}
	return &steps
}

// sideChannel collects the advanced parameters travelling in the prompt's
// sentinel-wrapped JSON suffix.
func sideChannel(p effectiveParams) map[string]interface{} {
	extra := make(map[string]interface{})
	if p.Steps != nil {
		extra["sample_steps"] = *p.Steps
	}
	if p.CFGScale != nil {
		extra["cfg_scale"] = *p.CFGScale
	}
	if p.SamplingMethod != "" {
		extra["sampling_method"] = p.SamplingMethod
	}
	if p.ClipSkip != nil {
		extra["clip_skip"] = *p.ClipSkip
	}
	return extra
}
