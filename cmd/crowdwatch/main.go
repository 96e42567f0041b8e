// Command crowdwatch serves the crowd analysis API, or analyses a single
// file or camera from the command line with -analyze.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/banshee-data/crowdwatch/internal/alerts"
	"github.com/banshee-data/crowdwatch/internal/api"
	"github.com/banshee-data/crowdwatch/internal/config"
	"github.com/banshee-data/crowdwatch/internal/db"
	"github.com/banshee-data/crowdwatch/internal/detect/remote"
	"github.com/banshee-data/crowdwatch/internal/jobs"
	"github.com/banshee-data/crowdwatch/internal/pipeline"
	"github.com/banshee-data/crowdwatch/internal/version"
	"github.com/banshee-data/crowdwatch/internal/video"
	"github.com/banshee-data/crowdwatch/internal/video/cv"
)

var (
	listen       = flag.String("listen", ":5000", "HTTP listen address")
	configPath   = flag.String("config", config.DefaultConfigPath, "Analytics configuration JSON")
	dbPath       = flag.String("db", "crowdwatch.db", "SQLite database for job records and events")
	dataDir      = flag.String("data-dir", "data", "Directory for uploads and job outputs")
	trackerAddr  = flag.String("tracker", "", "gRPC address of the detector+tracker service")
	mqttBroker   = flag.String("mqtt-broker", "", "MQTT broker URL for alerts, e.g. tcp://localhost:1883")
	mqttPrefix   = flag.String("mqtt-prefix", "crowdwatch", "MQTT topic prefix")
	mqttUser     = flag.String("mqtt-user", "", "MQTT username")
	mqttPass     = flag.String("mqtt-pass", "", "MQTT password")
	noVideo      = flag.Bool("no-video", false, "Do not write the annotated video")
	noReports    = flag.Bool("no-reports", false, "Do not render plots and charts")
	analyzePath  = flag.String("analyze", "", "Analyse one video file or camera (device index or stream URL) and exit")
	detections   = flag.String("detections", "", "With -analyze, replay detections from this JSON lines file")
	printVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *printVersion {
		fmt.Println(version.Get())
		return
	}
	log.Printf("%s", version.Get())

	cfg, err := loadConfig(*configPath, flagSet("config"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var observers []pipeline.FrameObserver
	if *mqttBroker != "" {
		pub, err := alerts.DialMQTT(alerts.MQTTConfig{
			Broker:   *mqttBroker,
			ClientID: "crowdwatch-" + filepath.Base(*dataDir),
			Username: *mqttUser,
			Password: *mqttPass,
		})
		if err != nil {
			log.Fatalf("failed to connect to MQTT: %v", err)
		}
		defer pub.Close()
		observers = append(observers, alerts.NewNotifier(pub, *mqttPrefix))
	}

	runner := newRunner(cfg, filepath.Join(*dataDir, "outputs"))
	runner.Observers = observers

	if *analyzePath != "" {
		if err := analyzeOnce(ctx, runner, *analyzePath, *detections); err != nil {
			log.Fatalf("analysis failed: %v", err)
		}
		return
	}
	if err := serve(ctx, cfg, runner); err != nil {
		log.Fatal(err)
	}
}

// flagSet reports whether the named flag was given on the command line.
func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// loadConfig reads the analytics configuration. A missing file at the
// default path falls back to built-in defaults; an explicit path must exist.
func loadConfig(path string, explicit bool) (*config.AnalyticsConfig, error) {
	cfg, err := config.LoadAnalyticsConfig(path)
	if err == nil {
		log.Printf("loaded analytics config from %s", path)
		return cfg, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		log.Printf("no config at %s, using defaults", path)
		return config.EmptyAnalyticsConfig(), nil
	}
	return nil, err
}

func newRunner(cfg *config.AnalyticsConfig, outputRoot string) *pipeline.Runner {
	r := &pipeline.Runner{
		Config:      cfg,
		Open:        cv.Opener(cfg.GetFrameSize()),
		NewEncoder:  cv.NewEncoder,
		OutputRoot:  outputRoot,
		SkipReports: *noReports,
	}
	if *noVideo {
		r.NewEncoder = nil
	}
	if *trackerAddr != "" {
		r.Trackers = remote.Factory(*trackerAddr)
	}
	return r
}

func analyzeOnce(ctx context.Context, runner *pipeline.Runner, path, detections string) error {
	if err := os.MkdirAll(runner.OutputRoot, 0o755); err != nil {
		return err
	}
	spec := pipeline.JobSpec{
		ID:      jobs.NewID(time.Now()),
		Input:   pipeline.Input{Path: path, Filename: filepath.Base(path), Detections: detections},
		Options: pipeline.OptionsFromConfig(runner.Config),
	}
	if err := runner.Validate(spec.Input); err != nil {
		return err
	}
	log.Printf("analysing %s as %s", path, spec.ID)
	res, err := runner.Run(ctx, spec, func(p int) { log.Printf("%s: %d%%", spec.ID, p) })
	if err != nil {
		return err
	}
	for _, e := range res.ReportErrors {
		log.Printf("report: %s", e)
	}
	log.Printf("done: %d frames at %.2f fps, outputs in %s", res.Frames, res.FPS, res.OutputDir)
	return nil
}

func serve(ctx context.Context, cfg *config.AnalyticsConfig, runner *pipeline.Runner) error {
	store, err := db.Open(*dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	if n, err := store.FailInterrupted(ctx); err != nil {
		log.Printf("failed to mark interrupted jobs: %v", err)
	} else if n > 0 {
		log.Printf("marked %d interrupted jobs as failed", n)
	}

	preview := video.NewPreviewHub(cfg.GetPreviewEvery())
	runner.Preview = preview
	runner.Events = store
	if err := os.MkdirAll(runner.OutputRoot, 0o755); err != nil {
		return err
	}

	registry := jobs.NewRegistry(jobs.RegistryConfig{
		Workers:    cfg.GetWorkers(),
		QueueSize:  cfg.GetQueueSize(),
		Runner:     runner,
		Store:      store,
		JobTimeout: cfg.GetJobTimeout(),
	})
	if previous, err := store.ListJobs(ctx); err != nil {
		log.Printf("failed to load previous jobs: %v", err)
	} else {
		log.Printf("restored %d previous jobs", registry.Restore(previous))
	}

	mux := api.NewServer(api.Config{
		Jobs:      registry,
		Events:    store,
		Preview:   preview,
		Analytics: cfg,
		UploadDir: filepath.Join(*dataDir, "uploads"),
	}).ServeMux()
	if err := store.AttachAdminRoutes(mux); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              *listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", *listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	var result error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		result = fmt.Errorf("HTTP server: %w", err)
	}
	log.Println("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	if err := registry.Close(shutdownCtx); err != nil {
		log.Printf("job registry shutdown: %v", err)
	}
	log.Printf("graceful shutdown complete")
	return result
}
