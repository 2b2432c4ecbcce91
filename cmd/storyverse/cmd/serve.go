package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	openapi "github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jmcleod/storyverse/notify"
	"github.com/jmcleod/storyverse/story"
	"github.com/jmcleod/storyverse/web"
)

var (
	tlsCert string
	tlsKey  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web interface",
	Long: `Serves the sign-in pages and the story browser on the listen address,
together with /health, /metrics, and the backend contract at /openapi.yaml
and /docs.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serveCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}

// router mounts the operational endpoints and the web interface.
func (a *app) router(secure bool) (http.Handler, error) {
	ui, err := web.New(web.Deps{
		Session:  a.session,
		Identity: a.identity,
		Stories:  a.stories,
		Notify:   notify.NewCenter(),
	},
		web.WithLogger(a.logger),
		web.WithCountryCode(a.cfg.CountryCode),
		web.WithMinPasswordScore(a.cfg.Password.MinScore),
		web.WithSecureCookies(secure),
	)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(story.OpenAPI)
	})
	r.Handle("/docs", openapi.Redoc(openapi.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
		Title:   "Storyverse backend API",
	}, nil))

	r.Mount("/", ui.Handler())
	return r, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if (tlsCert == "") != (tlsKey == "") {
		return errors.New("--tls-cert and --tls-key must be given together")
	}
	secure := tlsCert != ""

	handler, err := a.router(secure)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		// Story generation can take as long as the backend timeout.
		WriteTimeout: a.cfg.HTTP.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if secure {
		cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan error, 1)
	go func() {
		var err error
		if secure {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	out := cmd.OutOrStdout()
	printBanner(out)
	scheme := "http"
	if secure {
		scheme = "https"
	}
	fmt.Fprintf(out, "Serving %s://%s (backend: %s)...\n", scheme, a.cfg.Listen, a.cfg.APIURL)
	if a.identity == nil {
		fmt.Fprintln(out, "Sign-in is disabled: no identity provider configured")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}
