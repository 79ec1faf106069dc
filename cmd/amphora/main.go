package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/amphora-registry/amphora/configuration"
	"github.com/amphora-registry/amphora/registry/datastore"
	"github.com/amphora-registry/amphora/registry/handlers"
	"github.com/amphora-registry/amphora/registry/storage"
	"github.com/amphora-registry/amphora/registry/storage/objectstore"
	"github.com/amphora-registry/amphora/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "amphora",
	Short:        "amphora registry",
	Long:         "amphora stores and distributes container images over the OCI distribution v2 API.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Usage()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "show the version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s\n", version.Package, version.Version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve <config>",
	Short: "serve the registry api",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fp, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer fp.Close()

		config, err := configuration.Parse(fp)
		if err != nil {
			return fmt.Errorf("error parsing %s: %w", args[0], err)
		}

		if err := configureLogging(config); err != nil {
			return err
		}

		return serve(cmd.Context(), config)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

func configureLogging(config *configuration.Configuration) error {
	if config.Log.Level != "" {
		level, err := logrus.ParseLevel(config.Log.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", config.Log.Level, err)
		}
		logrus.SetLevel(level)
	}
	switch config.Log.Formatter {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unsupported log formatter %q", config.Log.Formatter)
	}
	return nil
}

func serve(ctx context.Context, config *configuration.Configuration) error {
	db, err := datastore.Open(config.Metadata.DSN, datastore.OpenOptions{
		MaxOpenConns:    config.Metadata.MaxOpenConns,
		MaxIdleConns:    config.Metadata.MaxIdleConns,
		ConnMaxLifetime: config.Metadata.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	if err := datastore.CreateSchema(ctx, db); err != nil {
		return fmt.Errorf("applying metadata schema: %w", err)
	}

	var objects objectstore.ObjectStore
	if config.ObjectStore.InMemory {
		logrus.Warn("using in-memory object store; blobs will not survive restarts")
		objects = objectstore.NewInMemory()
	} else {
		objects, err = objectstore.NewS3(objectstore.S3Params{
			AccessKey:      config.ObjectStore.AccessKey,
			SecretKey:      config.ObjectStore.SecretKey,
			Region:         config.ObjectStore.Region,
			RegionEndpoint: config.ObjectStore.RegionEndpoint,
			Bucket:         config.ObjectStore.Bucket,
			Secure:         config.ObjectStore.Secure,
			SkipVerify:     config.ObjectStore.SkipVerify,
			ForcePathStyle: config.ObjectStore.ForcePathStyle,
		})
		if err != nil {
			return err
		}
	}

	registry := storage.NewRegistry(db, objects)

	for _, name := range config.Repositories {
		if _, err := registry.CreateRepository(ctx, name); err != nil {
			return fmt.Errorf("creating repository %q: %w", name, err)
		}
		logrus.WithField("repository", name).Info("repository ready")
	}

	app := handlers.NewApp(config, registry)
	server := &http.Server{
		Addr:    config.HTTP.Addr,
		Handler: handlers.LoggingHandler(app),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logrus.WithField("signal", sig).Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Error("error shutting down server")
		}
	}()

	logrus.WithField("addr", config.HTTP.Addr).Info("listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
