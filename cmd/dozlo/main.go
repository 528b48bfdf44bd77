package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/akumarsingh35/dozlo-sub000/internal/ambient"
	"github.com/akumarsingh35/dozlo-sub000/internal/config"
	"github.com/akumarsingh35/dozlo-sub000/internal/engine"
	"github.com/akumarsingh35/dozlo-sub000/internal/mediasession"
	"github.com/akumarsingh35/dozlo-sub000/internal/retry"
	"github.com/akumarsingh35/dozlo-sub000/internal/session"
	"github.com/akumarsingh35/dozlo-sub000/internal/signing"
	"github.com/akumarsingh35/dozlo-sub000/internal/stability"
	"github.com/akumarsingh35/dozlo-sub000/internal/track"
	"github.com/akumarsingh35/dozlo-sub000/internal/ui"
)

var (
	versionFlag  = flag.Bool("version", false, "Show version information")
	debugFlag    = flag.Bool("debug", false, "Enable debug logging")
	headlessFlag = flag.Bool("headless", false, "Run without the terminal UI")
	trackFlag    = flag.String("track", "", "Track ID to play on startup")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s v%s - %s\n\n", config.AppName, config.AppVersion, config.AppDescription)
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()

		if configPath, err := config.GetConfigPath(); err == nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				fmt.Fprintf(os.Stderr, "\nConfig file: %s\n", configPath)
			} else {
				fmt.Fprintf(os.Stderr, "\nConfig file will be created on first use.\n")
			}
		}
	}
}

func getCacheDir() (string, error) {
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user cache directory: %w", err)
	}
	return filepath.Join(userCacheDir, "dozlo"), nil
}

func setupLogging() {
	if *debugFlag {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)

		cacheDir, err := getCacheDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not get cache dir: %v\n", err)
			cacheDir = os.TempDir()
		}
		if err := os.MkdirAll(cacheDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not create log dir: %v\n", err)
		}
		logPath := filepath.Join(cacheDir, "debug.log")
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not create log file: %v\n", err)
			logFile = os.Stderr
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: logFile, TimeFormat: "15:04:05"})
		fmt.Printf("Debug log: %s\n", logPath)
		log.Info().Msgf("Starting %s v%s (debug mode)", config.AppName, config.AppVersion)
		return
	}

	// Avoid TUI corruption by only logging errors to /dev/null
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	logFile, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0644)
	if err == nil {
		log.Logger = log.Output(logFile)
	}
}

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", config.AppName, config.AppVersion)
		fmt.Println(config.AppDescription)
		os.Exit(0)
	}

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
	}

	urls := signing.NewManager(signing.Options{
		BaseURL:          cfg.Signing.BaseURL,
		Secret:           cfg.Signing.Secret,
		Fingerprint:      cfg.Signing.DeviceFingerprint,
		Expiry:           cfg.Signing.URLExpiry(),
		RefreshThreshold: cfg.Signing.RefreshThreshold(),
	})

	// coord is assigned below; the monitor and mixer only call through
	// these closures after startup completes.
	var coord *session.Coordinator

	monitor := stability.NewMonitor(resty.New(), stability.Options{
		ProbeURL:         cfg.Signing.BaseURL + "/v1/ping",
		FailureThreshold: cfg.Playback.StabilityErrorThreshold,
		TerminationGrace: cfg.Playback.TerminationGrace(),
		OnTerminated: func() {
			if coord != nil {
				coord.HandleTermination()
			}
		},
	})
	monitor.Start()
	defer monitor.Close()

	var bridge mediasession.Bridge
	if *headlessFlag {
		bridge = mediasession.NewChannelBridge()
	} else {
		b, err := mediasession.NewMPRISBridge("dozlo", config.AppName)
		if err != nil {
			log.Warn().Err(err).Msg("Media surface unavailable, continuing without it")
			bridge = mediasession.NewChannelBridge()
		} else {
			bridge = b
		}
	}
	defer bridge.Close()

	resumePath, err := config.GetResumePath()
	if err != nil {
		log.Warn().Err(err).Msg("Resume positions unavailable")
		resumePath = filepath.Join(os.TempDir(), config.ResumeFileName)
	}
	resume, err := session.NewResumeStore(resumePath)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load resume positions, starting fresh")
		resume, _ = session.NewResumeStore(filepath.Join(os.TempDir(), config.ResumeFileName))
	}

	var artwork *mediasession.ArtworkCache
	if cacheDir, err := getCacheDir(); err == nil {
		artwork = mediasession.NewArtworkCache(cacheDir, resty.New())
		if err := artwork.CleanExpired(); err != nil {
			log.Debug().Err(err).Msg("Artwork cleanup failed")
		}
	}

	ambientDir, err := cfg.GetAmbientDir()
	if err != nil {
		log.Warn().Err(err).Msg("Ambient sounds unavailable")
	}
	mixer := ambient.NewMixer(
		track.BuiltinAmbientSounds(),
		ambient.NewBeepHandleFactory(ambientDir),
		func() bool {
			return coord != nil && coord.AmbientGate()()
		},
		ambient.Options{
			FadeIn:         cfg.Playback.AmbientFadeIn(),
			FadeOut:        cfg.Playback.AmbientFadeOut(),
			Stagger:        cfg.Playback.AmbientStagger(),
			MaxInitRetries: cfg.Playback.AmbientInitRetries,
		},
	)
	defer mixer.Close()

	coord = session.NewCoordinator(session.Deps{
		URLs:    urls,
		Ambient: mixer,
		Monitor: monitor,
		Bridge:  bridge,
		Resume:  resume,
		Retries: retry.NewEngine(
			cfg.Playback.RetryBaseDelay(),
			cfg.Playback.RetryMultiplier,
			cfg.Playback.RetryMaxAttempts,
		),
		NewEngine: func() (engine.Engine, error) {
			return engine.NewBeepEngine(), nil
		},
		Artwork: artwork,
	}, session.Options{
		SessionTimeout: cfg.Playback.SessionTimeout(),
		ExpiryCheck:    cfg.Playback.ExpiryCheck(),
		Adapter: engine.AdapterOptions{
			UITick:        cfg.Playback.UITick(),
			PersistTick:   cfg.Playback.PersistTick(),
			Watchdog:      cfg.Playback.Watchdog(),
			SeekTolerance: cfg.Playback.SeekTolerance(),
			SeekTimeout:   cfg.Playback.SeekTimeout(),
		},
	})
	coord.Start()
	defer coord.Close()

	coord.SetVolume(cfg.Volume)
	if cfg.Muted {
		coord.ToggleMute()
	}

	// Ambient bring-up is staggered and must not delay startup
	go func() {
		if err := mixer.Init(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Ambient bring-up interrupted")
		}
	}()

	library := make([]track.Track, 0, len(cfg.Library))
	for _, lt := range cfg.Library {
		library = append(library, track.Track{
			ID:         lt.ID,
			Title:      lt.Title,
			Artist:     lt.Artist,
			SourcePath: lt.Path,
			ArtworkURL: lt.ArtworkURL,
		})
	}

	if *trackFlag != "" {
		for _, t := range library {
			if t.ID == *trackFlag {
				t := t
				go func() {
					if err := coord.RequestPlayback(context.Background(), t); err != nil {
						log.Error().Err(err).Str("track", t.ID).Msg("Startup playback failed")
					}
				}()
				break
			}
		}
	}

	if *headlessFlag {
		runHeadless(coord, cfg)
		return
	}

	appUI := ui.NewUI(coord, mixer, library, cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Received shutdown signal, cleaning up...")
		appUI.Shutdown()
	}()

	if err := appUI.Run(); err != nil {
		log.Error().Err(err).Msg("Error running UI")
		saveOnExit(cfg, coord)
		os.Exit(1)
	}

	saveOnExit(cfg, coord)
	log.Info().Msgf("%s stopped", config.AppName)
}

// runHeadless keeps playback alive until a signal; media-surface
// controls remain the only transport input.
func runHeadless(coord *session.Coordinator, cfg *config.Config) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("Received shutdown signal, cleaning up...")
	saveOnExit(cfg, coord)
}

func saveOnExit(cfg *config.Config, coord *session.Coordinator) {
	cfg.Volume = coord.Volume()
	cfg.Muted = coord.Muted()
	if err := cfg.Save(); err != nil {
		log.Error().Err(err).Msg("Failed to save config")
	}
}
