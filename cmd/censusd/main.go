// Command censusd runs the crowd census pipeline: it captures frames from
// an RTSP camera (or a synthetic scene in dev mode), runs the person, face,
// and gender detector cascade, tracks identities across frames, and serves
// live counts, the annotated video stream, and ad-trigger state over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/crowdsense-data/crowdsense/internal/ads"
	"github.com/crowdsense-data/crowdsense/internal/adtrigger"
	"github.com/crowdsense-data/crowdsense/internal/api"
	"github.com/crowdsense-data/crowdsense/internal/capture"
	"github.com/crowdsense-data/crowdsense/internal/census"
	"github.com/crowdsense-data/crowdsense/internal/config"
	"github.com/crowdsense-data/crowdsense/internal/db"
	"github.com/crowdsense-data/crowdsense/internal/monitoring"
	"github.com/crowdsense-data/crowdsense/internal/pipeline"
	"github.com/crowdsense-data/crowdsense/internal/timeutil"
	"github.com/crowdsense-data/crowdsense/internal/track"
	"github.com/crowdsense-data/crowdsense/internal/version"
	"github.com/crowdsense-data/crowdsense/internal/vision"
)

var (
	devMode     = flag.Bool("dev", false, "Run in dev mode with a synthetic scene instead of a camera")
	listen      = flag.String("listen", ":8080", "Listen address")
	configPath  = flag.String("config", "", "Path to JSON config file (optional)")
	rtspURL     = flag.String("rtsp", "", "RTSP camera URL (required unless -dev)")
	dbFile      = flag.String("db", "census.db", "SQLite database file, empty to disable persistence")
	adsDir      = flag.String("ads", "ads", "Ad asset directory with male/, female/, neutral/ subdirectories")
	personModel = flag.String("person-model", "models/person-ssd.onnx", "Person detector ONNX model")
	genderModel = flag.String("gender-model", "models/gender.onnx", "Gender classifier ONNX model")
	faceCascade = flag.String("face-cascade", "third_party/facefinder", "Pigo face cascade file")
	onnxLib     = flag.String("onnx-lib", "", "Path to the onnxruntime shared library (optional)")
	trace       = flag.Bool("trace", false, "Enable per-cycle trace logging")
)

func main() {
	flag.Parse()
	monitoring.SetTrace(*trace)
	monitoring.Logf("[Main] censusd %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if !*devMode && *rtspURL == "" {
		log.Fatal("RTSP URL is required outside dev mode")
	}

	cfg := config.Empty()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	clock := timeutil.RealClock{}

	// In dev mode the synthetic scene is both the capture source and all
	// three cascade stages: detections come from the scene's own ground
	// truth, so the full pipeline runs without models or a camera.
	var source capture.Source
	cascade := &vision.Cascade{
		PersonThreshold: cfg.GetPersonConfidence(),
		FaceThreshold:   cfg.GetFaceConfidence(),
		GenderThreshold: cfg.GetGenderConfidence(),
		OverlapIoU:      cfg.GetOverlapIoU(),
	}
	if *devMode {
		synth := capture.NewSynthetic(cfg.GetCameraWidth(), cfg.GetCameraHeight(), cfg.GetTargetFPS(), clock)
		source = synth
		cascade.Persons = synth
		cascade.Faces = synth
		cascade.Genders = synth
	} else {
		if *onnxLib != "" {
			vision.SetRuntimeLibrary(*onnxLib)
		}

		persons, err := vision.NewONNXPersonDetector(*personModel)
		if err != nil {
			log.Fatalf("failed to load person detector: %v", err)
		}
		defer persons.Close()

		faces, err := vision.NewPigoFaceDetector(*faceCascade)
		if err != nil {
			log.Fatalf("failed to load face cascade: %v", err)
		}

		genders, err := vision.NewONNXGenderClassifier(*genderModel)
		if err != nil {
			log.Fatalf("failed to load gender classifier: %v", err)
		}
		defer genders.Close()

		rtsp, err := capture.OpenRTSP(*rtspURL, cfg.GetCameraWidth(), cfg.GetCameraHeight(), cfg.GetTargetFPS())
		if err != nil {
			log.Fatalf("failed to open RTSP source: %v", err)
		}
		source = rtsp
		cascade.Persons = persons
		cascade.Faces = faces
		cascade.Genders = genders
	}
	defer source.Close()

	catalog, err := ads.Load(*adsDir, rand.New(rand.NewSource(time.Now().UnixNano())))
	if err != nil {
		log.Fatalf("failed to load ad catalog: %v", err)
	}

	var database *db.DB
	if *dbFile != "" {
		database, err = db.Open(*dbFile)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer database.Close()
	}

	bus := census.NewBus()
	analytics := census.NewAnalytics(cfg.GetHistoryWindow())
	gate := adtrigger.NewGate(cfg.GetAdDwell(), cfg.GetAdMinInterval(), clock)
	display := &ads.Display{}

	producer := &pipeline.Producer{
		Source:             source,
		Cascade:            cascade,
		Tracker:            track.New(cfg.GetMatchDistance(), cfg.GetMaxDisappeared(), cfg.GetVoteWindow(), clock),
		Bus:                bus,
		Observer:           analytics,
		Clock:              clock,
		FrameSkip:          cfg.GetFrameSkip(),
		CaptureTimeout:     cfg.GetCaptureTimeout(),
		MaxCaptureFailures: cfg.GetMaxCaptureFailures(),
		JPEGQuality:        cfg.GetJPEGQuality(),
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Subscribe the trigger consumer before the producer starts so no
	// early snapshot is missed.
	triggerID, triggerCh := bus.Subscribe()

	// Producer loop. A capture failure beyond the budget takes the whole
	// process down so a supervisor can restart it. The bus closes only
	// after the producer has stopped, so consumers drain the final
	// snapshot before their channels close.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := producer.Run(ctx); err != nil {
			monitoring.Logf("[Main] producer failed: %v", err)
		}
		bus.Close()
		stop()
		monitoring.Logf("[Main] producer terminated")
	}()

	// Ad trigger consumer: feed published counts through the gate, show
	// the selected ad, record the trigger and impression. Runs until the
	// bus closes, which happens strictly after the producer stops.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer bus.Unsubscribe(triggerID)
		for snap := range triggerCh {
			if snap == nil {
				continue
			}
			sig := gate.Observe(snap.Counts)
			if sig == nil {
				continue
			}
			asset := catalog.Select(sig.Gender)
			display.Show(ads.Impression{
				Asset:     asset,
				TriggerID: sig.ID,
				Gender:    sig.Gender,
				At:        sig.At,
			})
			if database != nil {
				if err := database.RecordTriggerEvent(sig); err != nil {
					monitoring.Logf("[Main] failed to record trigger: %v", err)
				}
				if err := database.RecordImpression(sig.ID, asset.Name, asset.Audience, sig.At); err != nil {
					monitoring.Logf("[Main] failed to record impression: %v", err)
				}
			}
		}
		monitoring.Logf("[Main] trigger routine terminated")
	}()

	// Count sampler: persist the latest counts at the broadcast cadence.
	if database != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := clock.NewTicker(cfg.GetBroadcastInterval())
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C():
					if snap := bus.Latest(); snap != nil {
						if err := database.RecordCountSample(snap.Timestamp, snap.Counts); err != nil {
							monitoring.Logf("[Main] failed to record count sample: %v", err)
						}
					}
				case <-ctx.Done():
					monitoring.Logf("[Main] sampler routine terminated")
					return
				}
			}
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(bus, analytics, database, catalog, display, cfg).ServeMux()
		if database != nil {
			database.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			monitoring.Logf("[Main] listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("[Main] server shutdown error: %v", err)
		}
		monitoring.Logf("[Main] server terminated")
	}()

	wg.Wait()
}
