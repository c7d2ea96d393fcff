package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/ayusman/rpscam/internal/app"
	"github.com/ayusman/rpscam/internal/config"
	"github.com/ayusman/rpscam/internal/frame"
	"github.com/ayusman/rpscam/internal/gesture"
	"github.com/ayusman/rpscam/internal/server"
	"github.com/ayusman/rpscam/internal/store"
	"github.com/ayusman/rpscam/internal/tray"
	"github.com/lmittmann/tint"
)

func main() {
	logger := newLogger(slog.LevelInfo)

	flags, err := config.ParseFlags("rpscam", os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fatal(logger, "invalid arguments", err)
	}
	env := config.FromEnv(os.Getenv)

	// The data directory must be known before persisted settings can be read.
	boot := config.Default()
	if err := boot.Apply(env); err != nil {
		fatal(logger, "invalid environment", err)
	}
	if err := boot.Apply(flags); err != nil {
		fatal(logger, "invalid arguments", err)
	}

	if err := os.MkdirAll(boot.DataDir, 0755); err != nil {
		fatal(logger, "failed to create data directory", err)
	}
	st, err := store.New(filepath.Join(boot.DataDir, "rpscam.db"))
	if err != nil {
		fatal(logger, "failed to initialize store", err)
	}
	defer st.Close()

	cfg, err := loadConfig(st, env, flags)
	if err != nil {
		fatal(logger, "invalid configuration", err)
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.StaticDir == "" {
		cfg.StaticDir = findWebDir(cfg.DataDir)
	}
	if cfg.StaticDir != "" {
		logger.Info("serving static files", "dir", cfg.StaticDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub(logger)
	go hub.Run(ctx)

	var tr *tray.Tray
	if cfg.Tray {
		tr = tray.New(true)
	}

	frames := frame.NewLatest(cfg.JPEGQuality)
	defer frames.Close()

	a := app.New(app.Config{
		CameraID:    cfg.CameraID,
		FrameWidth:  cfg.Width,
		FrameHeight: cfg.Height,
		Frames:      frames,
		Events:      hub,
		Logger:      logger,
		OnGesture: func(g gesture.Gesture) {
			if tr != nil {
				tr.SetLastGesture(g.String())
			}
		},
	})
	a.Start(ctx)
	defer a.Stop()

	srv := server.New(server.Config{
		StaticDir:  cfg.StaticDir,
		Store:      st,
		Frames:     frames,
		Hub:        hub,
		Controller: a,
		Logger:     logger,
	})

	if tr == nil {
		if err := srv.ListenAndServe(ctx, cfg.Addr); err != nil {
			logger.Error("server failed", "error", err)
		}
		return
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx, cfg.Addr)
		stop()
	}()

	tr.OnToggle(a.SetEnabled)
	tr.OnSettings(func() {
		if err := openBrowser(browserURL(cfg.Addr)); err != nil {
			logger.Warn("failed to open browser", "error", err)
		}
	})
	tr.OnQuit(stop)
	go func() {
		<-ctx.Done()
		tr.Quit()
	}()

	// The tray owns the main goroutine until quit.
	tr.Run()

	stop()
	if err := <-errCh; err != nil {
		logger.Error("server failed", "error", err)
	}
}

// loadConfig layers persisted settings, environment and flags over the
// defaults.
func loadConfig(st *store.Store, env, flags map[string]string) (config.Config, error) {
	cfg := config.Default()

	persisted, err := st.Settings().Map()
	if err != nil {
		return cfg, fmt.Errorf("load settings: %w", err)
	}
	for _, layer := range []map[string]string{persisted, env, flags} {
		if err := cfg.Apply(layer); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
	}))
}

func fatal(logger *slog.Logger, msg string, err error, args ...any) {
	logger.Error(msg, append([]any{"error", err}, args...)...)
	os.Exit(1)
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and <dataDir>/web.
// Returns the first existing directory or empty string if none found.
func findWebDir(dataDir string) string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	if dataDir == "" {
		return ""
	}
	homeWebDir := filepath.Join(dataDir, "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}

// browserURL turns a listen address into a URL a local browser can open.
func browserURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://localhost" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/"
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
