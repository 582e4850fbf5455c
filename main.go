package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pasogott/cortana-vision/cmd/server"
	"github.com/pasogott/cortana-vision/config"
	"github.com/pasogott/cortana-vision/models"
	"github.com/pasogott/cortana-vision/services"
)

var configPath string

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	switch command {
	case "serve":
		runServe(os.Args[2:])
	case "sampler":
		runWorker(os.Args[2:], models.JobSample)
	case "greyscale":
		runWorker(os.Args[2:], models.JobGreyscale)
	case "ocr":
		runWorker(os.Args[2:], models.JobOCR)
	case "all":
		runAll(os.Args[2:])
	case "heal":
		runHeal(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: cortana-vision <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve      Start the HTTP API server")
	fmt.Fprintln(os.Stderr, "  sampler    Run the scene-sampling worker")
	fmt.Fprintln(os.Stderr, "  greyscale  Run the greyscale conditioning worker")
	fmt.Fprintln(os.Stderr, "  ocr        Run the OCR worker")
	fmt.Fprintln(os.Stderr, "  all        Run the API server plus all workers in one process")
	fmt.Fprintln(os.Stderr, "  heal       Repair the catalog schema and exit")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Common flags:")
	fmt.Fprintln(os.Stderr, "  -config    Path to config YAML (default: config.yaml)")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Run 'cortana-vision <command> -help' for details.")
}

func addConfigFlag(fs *flag.FlagSet) {
	fs.StringVar(&configPath, "config", "config.yaml", "path to config YAML")
}

func loadAppConfig() *config.AppConfig {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}

	level, err := zerolog.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return cfg
}

func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

// openStack brings up the shared infrastructure every command needs.
func openStack(ctx context.Context, cfg *config.AppConfig) (*services.Catalog, *services.S3Store, *services.Queue) {
	catalog, err := services.OpenCatalog(cfg.Storage.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("opening catalog")
	}

	store, err := services.NewS3Store(ctx, cfg.S3)
	if err != nil {
		log.Fatal().Err(err).Msg("connecting object store")
	}

	queue := services.NewQueue(catalog.DB(), cfg.Jobs.MaxRetries, cfg.RetryBaseDelay())
	return catalog, store, queue
}

func publisherFor(cfg *config.AppConfig) services.Publisher {
	if cfg.Events.RedisURL == "" {
		return services.NopPublisher{}
	}
	pub, err := services.NewRedisPublisher(cfg.Events.RedisURL, cfg.Events.Channel)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, events disabled")
		return services.NopPublisher{}
	}
	return pub
}

func workerFor(cfg *config.AppConfig, jobType string, catalog *services.Catalog, store services.ObjectStore, queue *services.Queue) *services.Worker {
	var handler services.JobHandler
	switch jobType {
	case models.JobSample:
		handler = services.NewSampler(catalog, queue, store, cfg).Handle
	case models.JobGreyscale:
		handler = services.NewPreprocessor(catalog, queue, store, cfg).Handle
	case models.JobOCR:
		engine := &services.TesseractEngine{Command: cfg.OCR.Command}
		handler = services.NewOCRWorker(catalog, store, engine, publisherFor(cfg), cfg).Handle
	default:
		log.Fatal().Str("job_type", jobType).Msg("no handler for job type")
	}
	return services.NewWorker(queue, jobType, cfg.PollInterval(), handler)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addConfigFlag(fs)
	fs.Parse(args)

	cfg := loadAppConfig()
	ctx := signalContext()

	catalog, store, queue := openStack(ctx, cfg)
	defer catalog.Close()

	if err := server.Start(ctx, cfg, catalog, store, queue); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func runWorker(args []string, jobType string) {
	fs := flag.NewFlagSet(jobType, flag.ExitOnError)
	addConfigFlag(fs)
	fs.Parse(args)

	cfg := loadAppConfig()
	ctx := signalContext()

	catalog, store, queue := openStack(ctx, cfg)
	defer catalog.Close()

	log.Info().Str("job_type", jobType).Msg("worker started")
	workerFor(cfg, jobType, catalog, store, queue).Run(ctx)
}

func runAll(args []string) {
	fs := flag.NewFlagSet("all", flag.ExitOnError)
	addConfigFlag(fs)
	fs.Parse(args)

	cfg := loadAppConfig()
	ctx := signalContext()

	catalog, store, queue := openStack(ctx, cfg)
	defer catalog.Close()

	var wg sync.WaitGroup
	for _, jobType := range []string{models.JobSample, models.JobGreyscale, models.JobOCR} {
		w := workerFor(cfg, jobType, catalog, store, queue)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	if err := server.Start(ctx, cfg, catalog, store, queue); err != nil {
		log.Error().Err(err).Msg("server failed")
	}
	wg.Wait()
}

func runHeal(args []string) {
	fs := flag.NewFlagSet("heal", flag.ExitOnError)
	addConfigFlag(fs)
	fs.Parse(args)

	cfg := loadAppConfig()

	// OpenCatalog runs the self-heal pass as part of startup.
	catalog, err := services.OpenCatalog(cfg.Storage.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("heal failed")
	}
	defer catalog.Close()

	reconciler := services.NewReconciler(catalog, 0)
	n, err := reconciler.ReconcileOnce()
	if err != nil {
		log.Fatal().Err(err).Msg("index reconcile failed")
	}

	log.Info().Int64("index_backfilled", n).Msg("catalog healed")
}
