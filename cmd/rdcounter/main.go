// Command rdcounter runs the directional object-crossing counter
// service: a REST + MJPEG control/streaming plane in front of the
// JobManager/JobWorker processing core.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rdcounter/rdcounter/internal/api"
	"github.com/rdcounter/rdcounter/internal/config"
	"github.com/rdcounter/rdcounter/internal/detector"
	"github.com/rdcounter/rdcounter/internal/job"
	"github.com/rdcounter/rdcounter/internal/store/journal"
	"github.com/rdcounter/rdcounter/internal/store/sqlite"
	"github.com/rdcounter/rdcounter/internal/telemetry"
	"github.com/rdcounter/rdcounter/internal/version"
	"github.com/rdcounter/rdcounter/internal/videoio"
)

var (
	listen       = flag.String("listen", ":8080", "HTTP listen address")
	configFile   = flag.String("config", "", "path to JSON process configuration envelope")
	dbPath       = flag.String("db-path", "rdcounter.db", "path to sqlite event store file")
	journalPath  = flag.String("journal-path", "rdcounter-journal.jsonl", "path to the append-only fallback journal for events the store could not persist")
	uploadDir    = flag.String("upload-dir", "./uploads", "directory uploaded video files are written to")
	modelPath    = flag.String("model", "", "path to the pretrained detector network (required)")
	modelConfig  = flag.String("model-config", "", "path to the detector's config file, if its format needs one")
	modelInput   = flag.Int("model-input-size", 640, "square blob side the detector network expects")
	camerasFile  = flag.String("cameras", "", "optional TOML file of named RTSP camera presets")
	submitCamera = flag.String("submit-camera", "", "name of a camera preset to submit as an RTSP_STREAM job at startup")
	drainPeriodS = flag.Float64("drain-period-s", 0, "override drain period on shutdown (seconds); 0 uses the config default")
	debugLog     = flag.String("debug-log", "", "optional path to mirror ops/diag/trace logging to")
	versionFlag  = flag.Bool("version", false, "print version information and exit")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(os.Stdout)

	if *versionFlag {
		fmt.Printf("rdcounter v%s (git SHA: %s)\n", version.Version, version.GitSHA)
		os.Exit(0)
	}

	if *debugLog != "" {
		if err := os.MkdirAll(filepath.Dir(*debugLog), 0o755); err != nil {
			log.Fatalf("failed to create debug log directory: %v", err)
		}
		f, err := os.OpenFile(*debugLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Fatalf("failed to open debug log: %v", err)
		}
		defer f.Close()
		telemetry.SetLegacyLogger(f)
	} else {
		telemetry.SetLogWriters(os.Stdout, os.Stdout, nil)
	}

	if *modelPath == "" {
		log.Fatal("-model is required: path to a pretrained OpenCV DNN network")
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	presets, err := loadCameraPresets(*camerasFile)
	if err != nil {
		log.Fatalf("failed to load camera presets: %v", err)
	}
	if len(presets.Camera) > 0 {
		log.Printf("loaded %d camera preset(s) from %s", len(presets.Camera), *camerasFile)
	}

	eventStore, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open event store: %v", err)
	}
	defer eventStore.Close()

	eventJournal, err := journal.Open(*journalPath)
	if err != nil {
		log.Fatalf("failed to open event journal: %v", err)
	}
	defer eventJournal.Close()

	dnn, err := detector.NewDNNDetector(detector.DNNConfig{
		ModelPath:  *modelPath,
		ConfigPath: *modelConfig,
		InputSize:  *modelInput,
	})
	if err != nil {
		log.Fatalf("failed to load detector network: %v", err)
	}
	defer dnn.Close()
	det := detector.NewSerializingDetector(dnn)

	mgr := job.NewManager(cfg, det, eventStore, eventJournal, fileSourceOpener{}, videoio.CVJPEGEncoder{}, videoio.Annotator{})

	if *submitCamera != "" {
		preset, ok := presets.find(*submitCamera)
		if !ok {
			log.Fatalf("camera preset %q not found in %s", *submitCamera, *camerasFile)
		}
		jobID, err := mgr.Submit(context.Background(), presetToDescriptor(preset))
		if err != nil {
			log.Fatalf("failed to submit camera preset %q: %v", *submitCamera, err)
		}
		log.Printf("submitted camera preset %q as job %s", *submitCamera, jobID)
	}

	apiServer := api.NewServer(mgr, eventStore, *uploadDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("rdcounter v%s (git SHA: %s) listening on %s", version.Version, version.GitSHA, *listen)
	serveErr := apiServer.Start(ctx, *listen)

	drain := cfg.GetDrainPeriodS()
	if *drainPeriodS > 0 {
		drain = *drainPeriodS
	}
	clean := mgr.Shutdown(secondsToDuration(drain))

	if serveErr != nil {
		log.Printf("HTTP server error: %v", serveErr)
		os.Exit(1)
	}
	if !clean {
		log.Printf("one or more jobs required a forced shutdown")
		os.Exit(1)
	}
	log.Printf("graceful shutdown complete")
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
