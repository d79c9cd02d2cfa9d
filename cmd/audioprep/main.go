package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/municipio-digital/actas-engine/internal/adapters/audio"
	"github.com/municipio-digital/actas-engine/internal/infrastructure/observability"
	"github.com/municipio-digital/actas-engine/pkg/config"
)

func main() {
	var (
		inputPath = flag.String("in", "", "path to the session recording")
		probeOnly = flag.Bool("probe", false, "only inspect the file, do not process")
	)
	flag.Parse()

	if *inputPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	observability.InitLogger("audioprep", cfg.Environment)
	logger := observability.GetLogger()

	// Ctrl-C interrupts the running tool cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline := audio.NewPipeline(cfg.Audio, audio.NewRunner())

	if *probeOnly {
		meta, err := pipeline.Probe(ctx, *inputPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("probe failed")
		}
		out, _ := json.MarshalIndent(meta, "", "  ")
		fmt.Println(string(out))
		return
	}

	result, err := pipeline.Run(ctx, *inputPath, func(percent int, stage string) {
		logger.Info().Int("progress", percent).Str("stage", stage).Msg("audio preparation")
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("audio preparation failed")
	}

	logger.Info().
		Str("output", result.OutputPath).
		Float64("duration_s", result.PostInfo.DurationSeconds).
		Int("input_sample_rate", result.PreInfo.SampleRate).
		Int("sample_rate", result.PostInfo.SampleRate).
		Str("pipeline_version", result.PipelineVersion).
		Msg("audio prepared")
	fmt.Println(result.OutputPath)
}
