package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	"github.com/municipio-digital/actas-engine/internal/infrastructure/observability"
	"github.com/municipio-digital/actas-engine/pkg/config"
	"github.com/municipio-digital/actas-engine/pkg/errors"
)

// PipelineVersion tags prepared audio so downstream consumers know which
// processing chain produced it.
const PipelineVersion = "2.1"

var allowedContainers = map[string]struct{}{
	".mp3":  {},
	".wav":  {},
	".mp4":  {},
	".m4a":  {},
	".webm": {},
	".ogg":  {},
	".flac": {},
}

// ProgressFunc receives pipeline progress in percent.
type ProgressFunc func(percent int, stage string)

// Result describes the prepared audio, with the probe of the raw input
// alongside the probe of the processed output.
type Result struct {
	OutputPath      string
	PreInfo         entities.AudioMetadata
	PostInfo        entities.AudioMetadata
	PipelineVersion string
}

// Pipeline prepares raw session recordings for transcription: loudness
// normalization and resampling, noise reduction, and speech enhancement.
type Pipeline struct {
	cfg    config.AudioConfig
	runner Runner
}

// NewPipeline creates an audio preparation pipeline.
func NewPipeline(cfg config.AudioConfig, runner Runner) *Pipeline {
	return &Pipeline{cfg: cfg, runner: runner}
}

type ffprobeFormat struct {
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
}

// Probe inspects a file with ffprobe and returns its audio metadata.
func (p *Pipeline) Probe(ctx context.Context, path string) (*entities.AudioMetadata, error) {
	if err := p.runner.LookPath(p.cfg.FFprobeBin); err != nil {
		return nil, err
	}

	out, err := p.runner.Run(ctx, p.cfg.FFprobeBin,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, err
	}

	var probe ffprobeFormat
	if err := json.Unmarshal([]byte(out), &probe); err != nil {
		return nil, errors.Wrap(errors.ErrorTypeToolFailed, "ffprobe output is not valid JSON", err)
	}

	meta := &entities.AudioMetadata{Path: path, PipelineVersion: PipelineVersion}
	if probe.Format.Duration != "" {
		if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
			meta.DurationSeconds = d
		}
	}
	for _, stream := range probe.Streams {
		if stream.CodecType != "audio" {
			continue
		}
		if sr, err := strconv.Atoi(stream.SampleRate); err == nil {
			meta.SampleRate = sr
		}
		meta.Channels = stream.Channels
		break
	}
	return meta, nil
}

// Validate enforces the input gate: known container, file present, size under
// the limit. It runs before any tool is invoked.
func (p *Pipeline) Validate(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := allowedContainers[ext]; !ok {
		return errors.NewInputInvalidError(fmt.Sprintf("unsupported audio container %q", ext))
	}

	info, err := os.Stat(path)
	if err != nil {
		return errors.NewInputInvalidError(fmt.Sprintf("audio file not accessible: %v", err))
	}
	if info.Size() > p.cfg.MaxSizeBytes {
		return errors.NewInputInvalidError(fmt.Sprintf(
			"audio file is %d bytes, limit is %d", info.Size(), p.cfg.MaxSizeBytes))
	}
	return nil
}

// Normalize applies loudness normalization and resamples to 16 kHz mono.
func (p *Pipeline) Normalize(ctx context.Context, inputPath, outputPath string) error {
	_, err := p.runner.Run(ctx, p.cfg.FFmpegBin,
		"-i", inputPath,
		"-af", "loudnorm=I=-16:LRA=11:TP=-1.5",
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		"-y",
		outputPath,
	)
	return err
}

// Denoise profiles the noise floor on the first half second and subtracts it.
func (p *Pipeline) Denoise(ctx context.Context, inputPath, outputPath string) error {
	profilePath := outputPath + ".prof"
	defer os.Remove(profilePath)

	if _, err := p.runner.Run(ctx, p.cfg.SoxBin,
		inputPath, "-n",
		"trim", "0", "0.5",
		"noiseprof", profilePath,
	); err != nil {
		return err
	}

	_, err := p.runner.Run(ctx, p.cfg.SoxBin,
		inputPath, outputPath,
		"noisered", profilePath, "0.21",
	)
	return err
}

// EnhanceSpeech shapes the signal for voice: band-limit to the speech range,
// compress dynamics, and boost the intelligibility bands.
func (p *Pipeline) EnhanceSpeech(ctx context.Context, inputPath, outputPath string) error {
	_, err := p.runner.Run(ctx, p.cfg.FFmpegBin,
		"-i", inputPath,
		"-af", strings.Join([]string{
			"highpass=f=80",
			"lowpass=f=8000",
			"acompressor=threshold=-20dB:ratio=3:attack=5:release=50",
			"equalizer=f=1000:t=q:w=1:g=2",
			"equalizer=f=3000:t=q:w=1:g=3",
		}, ","),
		"-y",
		outputPath,
	)
	return err
}

// Run executes the full preparation chain. Intermediates are removed only on
// success so a failed run can be inspected.
func (p *Pipeline) Run(ctx context.Context, inputPath string, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(int, string) {}
	}
	logger := observability.LoggerFromContext(ctx)

	if err := p.Validate(inputPath); err != nil {
		return nil, err
	}
	for _, bin := range []string{p.cfg.FFmpegBin, p.cfg.FFprobeBin, p.cfg.SoxBin} {
		if err := p.runner.LookPath(bin); err != nil {
			return nil, err
		}
	}

	preMeta, err := p.Probe(ctx, inputPath)
	if err != nil {
		return nil, err
	}
	progress(10, "validated")

	base := strings.TrimSuffix(inputPath, filepath.Ext(inputPath))
	normalizedPath := base + "_normalized.wav"
	denoisedPath := base + "_denoised.wav"
	outputPath := base + "_prepared.wav"

	if err := p.Normalize(ctx, inputPath, normalizedPath); err != nil {
		return nil, err
	}
	progress(30, "normalized")

	if err := p.Denoise(ctx, normalizedPath, denoisedPath); err != nil {
		return nil, err
	}
	progress(60, "denoised")

	if err := p.EnhanceSpeech(ctx, denoisedPath, outputPath); err != nil {
		return nil, err
	}
	progress(90, "enhanced")

	postMeta, err := p.Probe(ctx, outputPath)
	if err != nil {
		return nil, err
	}
	postMeta.PipelineVersion = PipelineVersion

	for _, intermediate := range []string{normalizedPath, denoisedPath} {
		if err := os.Remove(intermediate); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", intermediate).Msg("failed to remove intermediate file")
		}
	}
	progress(100, "done")

	return &Result{
		OutputPath:      outputPath,
		PreInfo:         *preMeta,
		PostInfo:        *postMeta,
		PipelineVersion: PipelineVersion,
	}, nil
}
