// Package local runs hairstyle transfer in-process. The pipeline composites
// the reference hair region onto the seed photo through feathered masks; it
// stands in for a GPU diffusion stack and keeps the same Sync contract.
package local

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"

	"hairswap/internal/domain"
	"hairswap/internal/inference"
	"hairswap/internal/infra"
)

// Fetcher resolves input references to bytes.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, string, error)
}

// Options configures the pipeline.
type Options struct {
	Fetcher Fetcher
	// Size is the square working resolution. Defaults to 1024.
	Size int
	// Feather is the blur sigma applied to masks. Defaults to 6.
	Feather float64
	Logger  *infra.Logger
}

// Pipeline is a Sync backend that composites images locally.
type Pipeline struct {
	fetcher Fetcher
	size    int
	feather float64
	logger  *infra.Logger
}

// New builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("local: fetcher is required")
	}
	size := opts.Size
	if size <= 0 {
		size = 1024
	}
	feather := opts.Feather
	if feather <= 0 {
		feather = 6
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Pipeline{fetcher: opts.Fetcher, size: size, feather: feather, logger: logger}, nil
}

func (p *Pipeline) Name() string { return "local" }

func (p *Pipeline) Ping(ctx context.Context) error { return ctx.Err() }

// Run downloads the four inputs, composites them and returns a PNG.
func (p *Pipeline) Run(ctx context.Context, payload inference.Payload) (inference.RunResult, error) {
	started := time.Now()

	images := make(map[domain.InputName]image.Image, len(domain.InputNames))
	decoded := make([]image.Image, len(domain.InputNames))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range domain.InputNames {
		g.Go(func() error {
			data, _, err := p.fetcher.Fetch(gctx, payload.Input(name))
			if err != nil {
				return fmt.Errorf("local: load %s: %w", name, err)
			}
			img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
			if err != nil {
				return fmt.Errorf("local: decode %s: %w", name, err)
			}
			decoded[i] = imaging.Fill(img, p.size, p.size, imaging.Center, imaging.Lanczos)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return inference.RunResult{}, err
	}
	for i, name := range domain.InputNames {
		images[name] = decoded[i]
	}
	if err := ctx.Err(); err != nil {
		return inference.RunResult{}, err
	}

	out := Composite(
		images[domain.InputSeedImage],
		images[domain.InputSeedMask],
		images[domain.InputReferenceImage],
		images[domain.InputReferenceMask],
		p.feather,
	)
	out = imaging.Sharpen(out, 0.6)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return inference.RunResult{}, fmt.Errorf("local: encode result: %w", err)
	}

	elapsed := time.Since(started)
	p.logger.Debug().Str("job_id", payload.JobID).Dur("took", elapsed).Msg("local: composite ready")
	return inference.RunResult{
		Output:         &inference.Output{Data: buf.Bytes(), ContentType: "image/png"},
		ProcessingTime: elapsed,
		Timing:         inference.Timing{APIResponseTime: elapsed},
	}, nil
}

// Composite blends ref over seed wherever either mask marks hair. Masks are
// read as luminance and feathered with a gaussian blur. All images must share
// the same bounds.
func Composite(seed, seedMask, ref, refMask image.Image, feather float64) *image.NRGBA {
	sm := imaging.Blur(imaging.Grayscale(seedMask), feather)
	rm := imaging.Blur(imaging.Grayscale(refMask), feather)
	base := imaging.Clone(seed)
	over := imaging.Clone(ref)

	b := base.Bounds()
	out := imaging.New(b.Dx(), b.Dy(), color.NRGBA{})
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			i := y*base.Stride + x*4
			w := float64(max(sm.Pix[i], rm.Pix[i])) / 255
			for c := 0; c < 3; c++ {
				out.Pix[i+c] = uint8(float64(over.Pix[i+c])*w + float64(base.Pix[i+c])*(1-w) + 0.5)
			}
			out.Pix[i+3] = 255
		}
	}
	return out
}

var _ inference.Sync = (*Pipeline)(nil)
