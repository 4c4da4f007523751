// Command livemap runs the live map engine for one viewer: it ingests the
// viewer's location fixes over HTTP, publishes them to the feed store and
// renders friends and events on the configured map surface.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
	"github.com/OCAP2/livemap/internal/config"
	"github.com/OCAP2/livemap/internal/logging"
	intOtel "github.com/OCAP2/livemap/internal/otel"
	"github.com/OCAP2/livemap/internal/session"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BuildDate can be set at build time via ldflags
var (
	Version   = "0.0.1"
	BuildDate = "unknown"
)

var (
	SlogManager  *logging.SlogManager
	Logger       *slog.Logger
	OTelProvider *intOtel.Provider
	Session      *session.Context

	// GraylogWriter is set when logging.gelfAddr is configured.
	GraylogWriter *gelf.Writer
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "livemap: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("livemap", pflag.ContinueOnError)
	configDir := flags.StringP("config", "c", ".", "directory containing "+config.FileName)
	envFile := flags.String("env-file", ".env", "optional dotenv file with LIVEMAP_* overrides")
	flags.String("viewer", "", "viewer user id")
	flags.String("log-level", "", "DEBUG, INFO, WARN or ERROR")
	flags.String("store", "", "feed store: memory, sqlite, postgres or redis")
	flags.String("listen", "", "ingest listen address")
	showVersion := flags.BoolP("version", "v", false, "print the version and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Printf("livemap %s (%s)\n", Version, BuildDate)
		return nil
	}

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load %s: %w", *envFile, err)
	}
	if err := config.Load(*configDir); err != nil {
		return err
	}
	for key, flag := range map[string]string{
		"viewerId":    "viewer",
		"logLevel":    "log-level",
		"store.type":  "store",
		"ingest.addr": "listen",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logFile, err := initLogging(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if logFile != nil {
			_ = logFile.Close()
		}
	}()
	defer shutdownOTel()

	Logger.Info("Starting livemap", "version", Version, "buildDate", BuildDate)

	a, err := newApp(ctx, Logger)
	if err != nil {
		Logger.Error("Failed to initialize", "error", err)
		return err
	}
	err = a.run(ctx)
	a.shutdown()
	if err != nil {
		Logger.Error("livemap stopped with error", "error", err)
		return err
	}
	Logger.Info("livemap stopped")
	return nil
}

// initLogging sets up the OTel provider and the process loggers. Logs go
// to stdout and, when logsDir is set, to a file per run.
func initLogging(ctx context.Context) (*os.File, error) {
	Session = session.NewContext()
	SlogManager = logging.NewSlogManager()

	var (
		out     io.Writer = os.Stdout
		logFile *os.File
	)
	if dir := config.GetString("logsDir"); dir != "" {
		f, err := logging.OpenLogFile(logging.LogFilePath(dir, "livemap", time.Now()))
		if err != nil {
			return nil, err
		}
		logFile = f
		out = io.MultiWriter(os.Stdout, f)
	}

	oc := config.GetOTelConfig()
	provider, err := intOtel.New(ctx, intOtel.Config{
		Enabled:        oc.Enabled,
		ServiceName:    oc.ServiceName,
		ServiceVersion: Version,
		InstanceID:     Session.Get().ID,
		BatchTimeout:   oc.BatchTimeout,
		Endpoint:       oc.Endpoint,
		Insecure:       oc.Insecure,
	})
	if err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("init otel: %w", err)
	}
	OTelProvider = provider

	opts := logging.Options{
		Level:       config.GetString("logLevel"),
		File:        out,
		Provider:    provider.LoggerProvider(),
		ServiceName: oc.ServiceName,
		Context:     Session.LogAttrs,
	}
	var gelfErr error
	if addr := config.GetString("logging.gelfAddr"); addr != "" {
		GraylogWriter, gelfErr = gelf.NewWriter(addr)
		if gelfErr == nil {
			opts.GELF = GraylogWriter
		}
	}
	SlogManager.Setup(opts)
	Logger = SlogManager.Logger()
	if gelfErr != nil {
		Logger.Warn("Graylog disabled", "addr", config.GetString("logging.gelfAddr"), "error", gelfErr)
	}
	return logFile, nil
}

func shutdownOTel() {
	if GraylogWriter != nil {
		_ = GraylogWriter.Close()
		GraylogWriter = nil
	}
	if OTelProvider == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := OTelProvider.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "livemap: %v\n", err)
	}
}
