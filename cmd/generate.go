package cmd

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ollama/vidgen/format"
	"github.com/ollama/vidgen/imageproc"
	"github.com/ollama/vidgen/pipeline"
	"github.com/ollama/vidgen/progress"
)

func readImages(paths []string) ([]image.Image, error) {
	imgs := make([]image.Image, len(paths))
	for i, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}

		img, err := imageproc.Decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		imgs[i] = img
	}
	return imgs, nil
}

func generateRequest(cmd *cobra.Command) (pipeline.Request, error) {
	r := pipeline.DefaultRequest()
	flags := cmd.Flags()

	var err error
	if r.Prompts, err = flags.GetStringArray("prompt"); err != nil {
		return r, err
	}

	if r.NegativePrompts, err = flags.GetStringArray("negative-prompt"); err != nil {
		return r, err
	}

	hints, err := flags.GetStringArray("hint")
	if err != nil {
		return r, err
	}

	if r.Hints, err = readImages(hints); err != nil {
		return r, err
	}

	masks, err := flags.GetStringArray("mask")
	if err != nil {
		return r, err
	}

	if r.Masks, err = readImages(masks); err != nil {
		return r, err
	}

	if r.Steps, err = flags.GetInt("steps"); err != nil {
		return r, err
	}

	if r.GuidanceScale, err = flags.GetFloat32("guidance-scale"); err != nil {
		return r, err
	}

	if r.Frames, err = flags.GetInt("frames"); err != nil {
		return r, err
	}

	if r.Width, err = flags.GetInt("width"); err != nil {
		return r, err
	}

	if r.Height, err = flags.GetInt("height"); err != nil {
		return r, err
	}

	if r.Seed, err = flags.GetUint64("seed"); err != nil {
		return r, err
	}

	return r, nil
}

// writeFrames stores images ordered video by video as
// video<N>_frame<M>.png under dir.
func writeFrames(dir string, imgs []image.Image, frames int) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	paths := make([]string, len(imgs))
	for i, img := range imgs {
		path := filepath.Join(dir, fmt.Sprintf("video%02d_frame%03d.png", i/frames, i%frames))
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}

		if err := imageproc.EncodePNG(f, img); err != nil {
			f.Close()
			return nil, err
		}

		if err := f.Close(); err != nil {
			return nil, err
		}
		paths[i] = path
	}

	return paths, nil
}

func GenerateHandler(cmd *cobra.Command, args []string) error {
	quiet, err := cmd.Flags().GetBool("quiet")
	if err != nil {
		return err
	}

	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}

	r, err := generateRequest(cmd)
	if err != nil {
		return err
	}

	p, err := loadPipeline(cmd, args, quiet)
	if err != nil {
		return err
	}

	var bar *progress.Bar
	if !quiet {
		status := progress.NewProgress(os.Stderr)
		defer status.Stop()

		bar = progress.NewBar("sampling", r.Steps)
		status.Add(bar)
		r.Progress = bar.Set
	}

	start := time.Now()
	imgs, err := p.Generate(cmd.Context(), r)
	if err != nil {
		return err
	}

	paths, err := writeFrames(output, imgs, r.Frames)
	if err != nil {
		return err
	}

	if bar != nil {
		bar.Set(r.Steps, 0)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d frames to %s in %s\n", len(paths), output, format.HumanDuration(time.Since(start)))
	return nil
}
