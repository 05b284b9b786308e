package commands

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"waymirror/internal/api"
	"waymirror/internal/clipboard"
	"waymirror/internal/config"
	"waymirror/internal/eventloop"
	"waymirror/internal/logger"
	"waymirror/internal/mirror"
	"waymirror/internal/wlclient"
	"waymirror/internal/x11grab"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the waymirror daemon",
	Long: `Start the waymirror daemon.

The daemon connects to the compositor, captures every mirrored output at
the configured rate, and serves a control API over HTTP.`,
	Example: `  # Mirror all outputs
  waymirror serve

  # Mirror one output at 60 fps
  waymirror serve --output DP-1 --fps 60

  # Force the X11 fallback backend
  waymirror serve --backend x11

  # Start with debug logging
  waymirror serve --log-level debug --pretty`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("backend", "", "capture backend (auto, wayland, x11)")
	serveCmd.Flags().String("socket", "", "Wayland display name or socket path")
	serveCmd.Flags().Int("fps", 0, "capture rate per output")
	serveCmd.Flags().StringSlice("output", nil, "output to mirror (repeatable; default all)")
	serveCmd.Flags().Bool("no-clipboard", false, "disable clipboard synchronization")

	viper.BindPFlag("backend", serveCmd.Flags().Lookup("backend"))
	viper.BindPFlag("socket", serveCmd.Flags().Lookup("socket"))
	viper.BindPFlag("fps", serveCmd.Flags().Lookup("fps"))
	viper.BindPFlag("outputs", serveCmd.Flags().Lookup("output"))
}

func runServe(cmd *cobra.Command, args []string) error {
	// Initialize configuration manager
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to initialize config manager: %w", err)
	}

	if err := applyFlagOverrides(configMgr); err != nil {
		return err
	}

	cfg := configMgr.Get()
	if noClip, _ := cmd.Flags().GetBool("no-clipboard"); noClip {
		cfg.Clipboard = false
	}

	logger.Init(cfg.LogLevel, viper.GetBool("pretty"))
	log := logger.WithComponent("serve")
	log.Info().
		Str("path", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	loop, err := eventloop.New()
	if err != nil {
		return fmt.Errorf("failed to create event loop: %w", err)
	}

	backend, cl, err := openBackend(cfg, loop, log)
	if err != nil {
		return err
	}
	defer backend.Close()

	if cl != nil {
		cl.OnError(func(err error) {
			log.Error().Err(err).Msg("Compositor connection failed, shutting down")
			loop.Stop()
		})
		cl.Attach(loop)
	}

	mirrorMgr, err := mirror.NewManager(mirror.Config{
		Backend:       backend,
		Loop:          loop,
		Outputs:       cfg.Outputs,
		FPS:           cfg.FPS,
		RenderCursors: cfg.RenderCursors,
		PreferDmabuf:  cfg.PreferDmabuf,
	})
	if err != nil {
		return err
	}

	// Mirroring and clipboard setup touch protocol state, so both run on
	// the loop goroutine. Run drains this before polling.
	var clipMgr *clipboard.Manager
	var startErr error
	loop.Post(func() {
		clipMgr = openClipboard(cfg, cl, loop, log)
		if err := mirrorMgr.Start(); err != nil {
			startErr = err
			loop.Stop()
		}
	})

	// Initialize API server
	server := api.NewServer(mirrorMgr, configMgr)
	go func() {
		if err := server.Start(cfg.ServerPort); err != nil {
			log.Error().Err(err).Msg("API server exited")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		loop.Stop()
	}()

	log.Info().
		Str("backend", backend.Name()).
		Int("port", cfg.ServerPort).
		Msg("waymirror is running")

	runErr := loop.Run()

	// The loop is drained; tear down capture state before the deferred
	// backend close drops the connection.
	mirrorMgr.Stop()
	if clipMgr != nil {
		clipMgr.Destroy()
	}

	if startErr != nil {
		return fmt.Errorf("failed to start mirroring: %w", startErr)
	}
	return runErr
}

// applyFlagOverrides persists any settings given on the command line, the
// same way editing the config file would.
func applyFlagOverrides(configMgr *config.Manager) error {
	if viper.IsSet("server_port") {
		if port := viper.GetInt("server_port"); port > 0 {
			if err := configMgr.SetPort(port); err != nil {
				return err
			}
		}
	}
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			if err := configMgr.SetLogLevel(level); err != nil {
				return err
			}
		}
	}
	if viper.IsSet("backend") {
		if b := viper.GetString("backend"); b != "" {
			if err := configMgr.SetBackend(config.Backend(b)); err != nil {
				return err
			}
		}
	}
	if viper.IsSet("socket") {
		if s := viper.GetString("socket"); s != "" {
			if err := configMgr.SetSocket(s); err != nil {
				return err
			}
		}
	}
	if viper.IsSet("fps") {
		if fps := viper.GetInt("fps"); fps > 0 {
			if err := configMgr.SetFPS(fps); err != nil {
				return err
			}
		}
	}
	if viper.IsSet("outputs") {
		if outs := viper.GetStringSlice("outputs"); len(outs) > 0 {
			if err := configMgr.SetOutputs(outs); err != nil {
				return err
			}
		}
	}
	return nil
}

// openBackend connects the configured capture backend. The returned client
// is non-nil only on the Wayland path; it is owned by the backend and
// closed with it.
func openBackend(cfg *config.Config, loop *eventloop.Loop, log *zerolog.Logger) (mirror.Backend, *wlclient.Client, error) {
	switch cfg.Backend {
	case config.BackendWayland:
		cl, err := wlclient.Connect(cfg.Socket)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to compositor: %w", err)
		}
		if !cl.HasScreencopy() {
			cl.Close()
			return nil, nil, errors.New("compositor does not advertise the screen-copy protocol")
		}
		return mirror.NewWaylandBackend(cl), cl, nil

	case config.BackendX11:
		g, err := x11grab.New(loop)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to X server: %w", err)
		}
		return mirror.NewX11Backend(g), nil, nil

	default: // auto
		cl, err := wlclient.Connect(cfg.Socket)
		if err == nil && cl.HasScreencopy() {
			return mirror.NewWaylandBackend(cl), cl, nil
		}
		if err == nil {
			cl.Close()
			log.Info().Msg("Compositor lacks the screen-copy protocol, trying X11")
		} else {
			log.Info().Err(err).Msg("No Wayland compositor, trying X11")
		}
		g, gerr := x11grab.New(loop)
		if gerr != nil {
			return nil, nil, fmt.Errorf("no usable capture backend: %w", gerr)
		}
		return mirror.NewX11Backend(g), nil, nil
	}
}

// openClipboard starts selection sync when the backend and config allow it.
// Runs on the loop goroutine. Returns nil when unavailable; mirroring does
// not depend on it.
func openClipboard(cfg *config.Config, cl *wlclient.Client, loop *eventloop.Loop, log *zerolog.Logger) *clipboard.Manager {
	if !cfg.Clipboard {
		return nil
	}
	if cl == nil {
		log.Info().Msg("Clipboard synchronization needs the Wayland backend, skipping")
		return nil
	}
	if !cl.HasDataControl() {
		log.Info().Msg("Compositor lacks the data-control protocol, clipboard sync disabled")
		return nil
	}

	src, err := cl.DataControl()
	if err != nil {
		log.Warn().Err(err).Msg("Clipboard synchronization unavailable")
		return nil
	}
	mgr, err := clipboard.NewManager(clipboard.Config{
		Source: src,
		Loop:   loop,
		OnCutText: func(text string) {
			// The remote-display transport consumes this once wired up.
			log.Debug().Int("bytes", len(text)).Msg("Selection text received")
		},
	})
	if err != nil {
		log.Warn().Err(err).Msg("Clipboard synchronization unavailable")
		return nil
	}
	return mgr
}
