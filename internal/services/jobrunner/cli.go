package jobrunner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	engineclient "github.com/easel-sd/easel/internal/clients/engine"
	"github.com/easel-sd/easel/internal/models"
)

// dispatchCLI runs a one-shot engine invocation: argv from the descriptor
// plus job flags, then the produced image file read back from disk. CLI
// children are never registered; their lifetime is this call.
func (p *Processor) dispatchCLI(ctx context.Context, job *models.Job, desc *models.ModelDescriptor, params effectiveParams) ([]engineclient.Image, error) {
	if err := os.MkdirAll(p.outputPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	outPath := filepath.Join(p.outputPath, job.ID+".png")

	initPath, maskPath, cleanup, err := p.materializeInputs(ctx, job)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := buildCLIArgs(job, desc, params, outPath, initPath, maskPath)

	cmd := exec.CommandContext(ctx, desc.Command, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %s", models.ErrCLIExitNonZero, err, tail(string(out), 500))
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("%w: no image at %s", models.ErrCLIOutputUnparseable, outPath)
	}
	os.Remove(outPath)

	return []engineclient.Image{{Data: data}}, nil
}

// materializeInputs writes source and mask blobs to scratch files for the
// child's --init-img and --mask flags.
func (p *Processor) materializeInputs(ctx context.Context, job *models.Job) (initPath, maskPath string, cleanup func(), err error) {
	var files []string
	cleanup = func() {
		for _, f := range files {
			os.Remove(f)
		}
	}

	write := func(imageID, suffix string) (string, error) {
		blob, err := p.storage.Images().Get(ctx, imageID)
		if err != nil {
			return "", fmt.Errorf("failed to load source image: %w", err)
		}
		path := filepath.Join(p.outputPath, job.ID+suffix)
		if err := os.WriteFile(path, blob.Data, 0644); err != nil {
			return "", fmt.Errorf("failed to write scratch image: %w", err)
		}
		files = append(files, path)
		return path, nil
	}

	if job.SourceImageID != "" {
		if initPath, err = write(job.SourceImageID, "-init.png"); err != nil {
			cleanup()
			return "", "", func() {}, err
		}
	}
	if job.MaskImageID != "" {
		if maskPath, err = write(job.MaskImageID, "-mask.png"); err != nil {
			cleanup()
			return "", "", func() {}, err
		}
	}
	return initPath, maskPath, cleanup, nil
}

// buildCLIArgs assembles the child argv. At most one --steps flag ever
// appears: from effective sample steps when present, else from the quality
// tier, else not at all. --strength is emitted only for variation jobs.
func buildCLIArgs(job *models.Job, desc *models.ModelDescriptor, params effectiveParams, outPath, initPath, maskPath string) []string {
	args := append([]string{}, desc.Args...)

	if job.Prompt != "" {
		args = append(args, "-p", job.Prompt)
	}
	if job.NegativePrompt != "" {
		args = append(args, "-n", job.NegativePrompt)
	}
	if params.Width > 0 && params.Height > 0 {
		args = append(args, "-W", strconv.Itoa(params.Width), "-H", strconv.Itoa(params.Height))
	}
	if job.Seed != nil {
		args = append(args, "-s", strconv.FormatInt(*job.Seed, 10))
	}
	if job.N > 1 {
		args = append(args, "-b", strconv.Itoa(job.N))
	}

	steps := params.Steps
	if steps == nil {
		steps = qualitySteps(job.Quality)
	}
	if steps != nil {
		args = append(args, "--steps", strconv.Itoa(*steps))
	}

	if params.CFGScale != nil {
		args = append(args, "--cfg-scale", strconv.FormatFloat(*params.CFGScale, 'f', -1, 64))
	}
	if params.SamplingMethod != "" {
		args = append(args, "--sampling-method", params.SamplingMethod)
	}
	if params.ClipSkip != nil {
		args = append(args, "--clip-skip", strconv.Itoa(*params.ClipSkip))
	}

	if initPath != "" {
		args = append(args, "--init-img", initPath)
	}
	if maskPath != "" {
		args = append(args, "--mask", maskPath)
	}
	if job.Type == models.JobTypeVariation && params.Strength != nil {
		args = append(args, "--strength", strconv.FormatFloat(*params.Strength, 'f', 2, 64))
	}

	return append(args, "-o", outPath)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
