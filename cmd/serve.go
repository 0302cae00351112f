package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andresmejia3/facetag/internal/recognizer"
	"github.com/andresmejia3/facetag/internal/utils"
	"github.com/andresmejia3/facetag/internal/web"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the upload page and the recognition API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if serveHost != "" {
			Cfg.HTTP.Host = serveHost
		}
		if servePort != 0 {
			Cfg.HTTP.Port = servePort
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides http.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides http.port)")
	rootCmd.AddCommand(serveCmd)
}

// runServe starts the HTTP server right away and loads the models and gallery
// in the background; until that finishes the API answers 503.
func runServe(ctx context.Context) error {
	backend, err := newBackend(ctx, Cfg, Logger)
	if err != nil {
		utils.ShowError("Failed to start detection backend", err, nil)
		return err
	}
	defer releaseBackend(backend)

	svc := newService(backend, Cfg, Logger, nil)
	srv := web.NewServer(web.Options{
		Addr:          Cfg.Addr(),
		ReadTimeout:   time.Duration(Cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout:  time.Duration(Cfg.HTTP.WriteTimeoutSec) * time.Second,
		MaxUploadSize: int64(Cfg.HTTP.MaxUploadMB) << 20,
		RenderMode:    Cfg.Render.Mode,
		RenderFormat:  Cfg.Render.Format,
	}, svc, recognizer.NewBoard(Cfg.Board.MaxClients), Logger)

	startErr := make(chan error, 1)
	go func() {
		if err := svc.Start(ctx); err != nil {
			startErr <- err
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()
	fmt.Fprintf(os.Stderr, "🌐 Listening on http://%s\n", Cfg.Addr())

	select {
	case err := <-serveErr:
		return err
	case err := <-startErr:
		if errors.Is(err, context.Canceled) {
			break
		}
		Logger.Error("recognizer failed to start", zap.Error(err))
		shutdown(srv)
		return err
	case <-ctx.Done():
	}

	fmt.Fprintln(os.Stderr, "🛑 Shutting down...")
	return shutdown(srv)
}

func shutdown(srv *web.Server) error {
	// The root context is already cancelled here.
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(Cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
