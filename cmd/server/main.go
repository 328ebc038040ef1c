// Package main provides the server entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/dgruss/smartmic/internal/api/web"
	"github.com/dgruss/smartmic/internal/app"
	"github.com/dgruss/smartmic/internal/app/ingress"
	"github.com/dgruss/smartmic/internal/app/songs"
	"github.com/dgruss/smartmic/internal/domain/room"
	"github.com/dgruss/smartmic/internal/infra/audiograph"
	"github.com/dgruss/smartmic/internal/infra/config"
	"github.com/dgruss/smartmic/internal/infra/gameconfig"
	"github.com/dgruss/smartmic/internal/infra/logger"
	"github.com/dgruss/smartmic/internal/infra/logtail"
	"github.com/dgruss/smartmic/internal/infra/xinput"
)

var (
	cli        = kingpin.New("smartmic-server", "SmartMic karaoke session controller")
	configPath = cli.Flag("config", "Path to config file").Default("config/server.yaml").String()
	verbose    = cli.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = cli.Flag("logfile", "Path to log file (default: stdout)").String()

	usdxDir      = cli.Flag("usdx-dir", "Game installation directory").String()
	playlistName = cli.Flag("playlist-name", "Session playlist file name").String()
	audioFormat  = cli.Flag("audio-format", "Audio file extension of the song library").String()
	setInputs    = cli.Flag("set-inputs", "Rewrite the game's [Record] section for the virtual sinks").Bool()
	skipScan     = cli.Flag("skip-scan-songs", "Load the persisted song index instead of scanning").Bool()
	runGame      = cli.Flag("run-usdx", "Start the game after boot").Bool()
	controlPass  = cli.Flag("control-password", "Passphrase for the control surface").String()
	controlOnly  = cli.Flag("control-only", "Disable ingress and audio graph operations").Bool()
	port         = cli.Flag("port", "HTTP listen port").Int()
	domain       = cli.Flag("domain", "Domain to map onto the hotspot address").String()

	startHotspot = cli.Flag("start-hotspot", "NetworkManager connection name to bring up").String()
	hotspotDev   = cli.Flag("hotspot-device", "Interface serving the hotspot").String()
	internetDev  = cli.Flag("internet-device", "Interface with internet access to forward to").String()
	remapSSL     = cli.Flag("remap-ssl-port", "Redirect port 443 to the listen port").Bool()

	sslChain      = cli.Flag("ssl-chain", "TLS certificate chain file (enables HTTPS with --ssl-key)").String()
	sslKey        = cli.Flag("ssl-key", "TLS private key file").String()
	maxNameLength = cli.Flag("max-name-length", "Maximum player name length in bytes").Int()
	countdownSecs = cli.Flag("countdown-seconds", "Default between-song countdown").Int()
	gameLog       = cli.Flag("game-log", "Path to the game's log file").String()

	// start command (default)
	startCmd = cli.Command("start", "Run the session controller").Default()

	// scan-songs command
	scanCmd = cli.Command("scan-songs", "Build the song index and exit")
)

func main() {
	_ = godotenv.Load()
	command := kingpin.MustParse(cli.Parse(os.Args[1:]))

	loggerConfig := logger.Config{Output: "stdout", Level: "info"}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
		loggerConfig.File = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}
	applyFlags(cfg)

	switch command {
	case scanCmd.FullCommand():
		err = scanSongs(cfg)
	case startCmd.FullCommand():
		err = run(cfg)
	}
	if err != nil {
		zlog.Error().Msgf("Server error: %v", err)
		os.Exit(1)
	}
}

// scanSongs builds and persists the song index without starting the server.
func scanSongs(cfg *config.Config) error {
	index := songs.NewIndex(cfg.IndexPath(), cfg.Game.AudioExt)
	if err := index.Scan(cfg.Game.Dir); err != nil {
		return fmt.Errorf("song scan failed: %w", err)
	}
	zlog.Info().Msgf("Song index written: path=%s, songs=%d", cfg.IndexPath(), index.Len())
	return nil
}

// applyFlags lets command-line flags override the config file.
func applyFlags(cfg *config.Config) {
	if *usdxDir != "" {
		cfg.Game.Dir = *usdxDir
	}
	if *playlistName != "" {
		cfg.Game.PlaylistName = *playlistName
	}
	if *audioFormat != "" {
		cfg.Game.AudioExt = *audioFormat
	}
	if *setInputs {
		cfg.Game.SetInputs = true
	}
	if *skipScan {
		cfg.Game.SkipScan = true
	}
	if *runGame {
		cfg.Game.RunGame = true
	}
	if *controlPass != "" {
		cfg.Control.Password = *controlPass
	}
	if *controlOnly {
		cfg.Control.Only = true
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *domain != "" {
		cfg.Server.Domain = *domain
	}
	if *startHotspot != "" {
		cfg.Network.StartHotspot = *startHotspot
	}
	if *hotspotDev != "" {
		cfg.Network.HotspotDevice = *hotspotDev
	}
	if *internetDev != "" {
		cfg.Network.InternetDevice = *internetDev
	}
	if *remapSSL {
		cfg.Network.RemapSSLPort = true
	}
	if *sslChain != "" && *sslKey != "" {
		cfg.Server.SSL = true
		cfg.Server.Chain = *sslChain
		cfg.Server.Key = *sslKey
	}
	if *maxNameLength > 0 {
		cfg.Session.MaxNameLength = *maxNameLength
	}
	if *countdownSecs > 0 {
		if cfg.Automation == nil {
			cfg.Automation = map[string]any{}
		}
		cfg.Automation["countdown_seconds"] = *countdownSecs
	}
	if *gameLog != "" {
		cfg.Game.LogPath = *gameLog
	}
}

func run(cfg *config.Config) error {
	// network boot steps happen before anything binds the port
	hotspotIP, err := setupNetwork(cfg)
	if err != nil {
		return err
	}

	if cfg.Game.SetInputs {
		writer := gameconfig.Writer{Path: cfg.GameConfigPath(), SinkPrefix: cfg.Audio.SinkPrefix}
		if err := writer.InitRecordSection(); err != nil {
			return fmt.Errorf("cannot set game inputs: %w", err)
		}
	}

	// each run starts from an empty game log so stale lines never trigger
	// the automation
	if err := logtail.Truncate(cfg.GameLogPath()); err != nil {
		zlog.Warn().Err(err).Msg("failed to truncate game log")
	}

	var ing app.IngressService
	if !cfg.Control.Only {
		graph := audiograph.New()
		if err := graph.UnloadAllNullSinks(); err != nil {
			zlog.Warn().Err(err).Msg("failed to unload leftover null sinks")
		}
		sinkNames := audiograph.SinkNames(cfg.Audio.SinkPrefix, room.MicCount+1)
		if err := graph.EnsureSinks(sinkNames); err != nil {
			return fmt.Errorf("failed to create virtual sinks: %w", err)
		}

		ing = ingress.NewManager(ingress.Config{
			Binary:       cfg.Audio.IngressBinary,
			PulseBuf:     cfg.Audio.PulseBuf,
			StartWait:    time.Duration(cfg.Audio.StartWaitSec) * time.Second,
			PortAttempts: cfg.Audio.PortAttempts,
			PortInterval: time.Duration(cfg.Audio.PortIntervalMs) * time.Millisecond,
			Liveness:     time.Duration(cfg.Audio.LivenessIntervalSec) * time.Second,
		}, graph, sinkNames)
	} else {
		zlog.Info().Msg("control-only mode: ingress and audio graph disabled")
	}

	mgr, err := app.NewManager(cfg, ing, xinput.New(cfg.Game.WindowTitle))
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}
	defer mgr.Stop()

	if cfg.Game.SkipScan {
		if err := mgr.Songs.Load(); err != nil {
			zlog.Warn().Err(err).Msg("failed to load persisted song index")
		}
	} else if err := mgr.Songs.Scan(cfg.Game.Dir); err != nil {
		zlog.Warn().Err(err).Msg("song scan failed")
	}

	if err := mgr.Playlist.Truncate(); err != nil {
		zlog.Warn().Err(err).Msg("failed to reset session playlist")
	}

	if err := mgr.Run(); err != nil {
		return fmt.Errorf("failed to start maintenance loops: %w", err)
	}

	if cfg.Game.RunGame {
		startGame(cfg)
	}

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	handler := web.NewServer(cfg, mgr).Router()
	server := &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}

	serverErrCh := make(chan error, 1)
	go func() {
		zlog.Info().Msgf("Starting server: addr=%s ssl=%t", addr, cfg.Server.SSL)
		var err error
		if cfg.Server.SSL {
			err = server.ListenAndServeTLS(cfg.Server.Chain, cfg.Server.Key)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	if cfg.Network.RemapSSLPort && hotspotIP != "" {
		if err := remapSSLPort(hotspotIP, cfg.Server.Port); err != nil {
			return fmt.Errorf("failed to remap port 443: %w", err)
		}
	}

	executeHooks(cfg.Server.Hooks.OnStarted, "on_started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		zlog.Info().Msg("Received shutdown signal...")
	case err := <-serverErrCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Msgf("Failed to shutdown server: %v", err)
	}

	zlog.Info().Msg("Server stopped")
	executeHooks(cfg.Server.Hooks.OnStopped, "on_stopped")
	return nil
}

// executeHooks runs a list of lifecycle shell commands.
func executeHooks(hooks []string, stage string) {
	for _, hook := range hooks {
		app.RunHook(stage, hook)
	}
}
