package jobrunner

import (
	"context"
	"encoding/base64"
	"fmt"

	engineclient "github.com/easel-sd/easel/internal/clients/engine"
	"github.com/easel-sd/easel/internal/models"
)

// defaultUpscaleFactor applies when an upscale job names no target size.
const defaultUpscaleFactor = 2.0

// dispatchHTTP posts the job to a server-mode engine and decodes the
// returned images. Advanced parameters ride the prompt's side channel;
// steps, cfg scale and sampler additionally use their native body fields.
func (p *Processor) dispatchHTTP(ctx context.Context, baseURL string, job *models.Job, params effectiveParams) ([]engineclient.Image, error) {
	switch job.Type {
	case models.JobTypeGenerate:
		return p.client.Txt2Img(ctx, baseURL, p.buildGenerateRequest(job, params))

	case models.JobTypeEdit, models.JobTypeVariation:
		req := p.buildGenerateRequest(job, params)

		src, err := p.loadImageB64(ctx, job.SourceImageID)
		if err != nil {
			return nil, err
		}
		req.InitImages = []string{src}

		if job.MaskImageID != "" {
			mask, err := p.loadImageB64(ctx, job.MaskImageID)
			if err != nil {
				return nil, err
			}
			req.Mask = mask
		}
		req.Strength = params.Strength
		return p.client.Img2Img(ctx, baseURL, req)

	case models.JobTypeUpscale:
		src, err := p.loadImageB64(ctx, job.SourceImageID)
		if err != nil {
			return nil, err
		}
		img, err := p.client.Upscale(ctx, baseURL, &engineclient.UpscaleRequest{
			Image:           src,
			UpscalingResize: defaultUpscaleFactor,
		})
		if err != nil {
			return nil, err
		}
		return []engineclient.Image{img}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported job type %q", models.ErrJobInvalid, job.Type)
	}
}

func (p *Processor) buildGenerateRequest(job *models.Job, params effectiveParams) *engineclient.GenerateRequest {
	return &engineclient.GenerateRequest{
		Prompt:         engineclient.AppendExtraArgs(job.Prompt, sideChannel(params)),
		NegativePrompt: job.NegativePrompt,
		Width:          params.Width,
		Height:         params.Height,
		BatchSize:      job.N,
		Seed:           job.Seed,
		Steps:          params.Steps,
		CFGScale:       params.CFGScale,
		SamplerName:    params.SamplingMethod,
	}
}

func (p *Processor) loadImageB64(ctx context.Context, imageID string) (string, error) {
	if imageID == "" {
		return "", fmt.Errorf("%w: job requires a source image", models.ErrJobInvalid)
	}
	blob, err := p.storage.Images().Get(ctx, imageID)
	if err != nil {
		return "", fmt.Errorf("failed to load source image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(blob.Data), nil
}
