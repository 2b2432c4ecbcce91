package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/jmcleod/storyverse/client"
	"github.com/jmcleod/storyverse/identity"
	"github.com/jmcleod/storyverse/internal/config"
	"github.com/jmcleod/storyverse/internal/logging"
	"github.com/jmcleod/storyverse/query"
	"github.com/jmcleod/storyverse/session"
	"github.com/jmcleod/storyverse/storage"
	bboltstorage "github.com/jmcleod/storyverse/storage/bbolt"
	"github.com/jmcleod/storyverse/storage/memory"
	redisstorage "github.com/jmcleod/storyverse/storage/redis"
	"github.com/jmcleod/storyverse/story"
)

// errIdentityMissing is returned by commands that need the identity provider.
var errIdentityMissing = errors.New("identity provider not configured: set STORYVERSE_IDENTITY_URL and STORYVERSE_IDENTITY_ANON_KEY")

// app is the wired runtime shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	closers  []func() error

	cache    *query.Cache
	session  *session.Store
	client   *client.Client
	stories  *story.Queries
	identity *identity.Client
}

// newApp builds the runtime from cfg: session storage first, then the cache
// the session clears on logout, the API client, the story queries and the
// identity client when configured.
func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	logger, err := logging.New(logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	repo, err := a.openRepository(ctx)
	if err != nil {
		return nil, err
	}

	cacheMetrics, err := query.NewMetrics(a.registry)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.cache = query.New(
		query.WithStaleTime(cfg.Cache.StaleTime),
		query.WithRetryIf(func(err error) bool { return !errors.Is(err, client.ErrSessionExpired) }),
		query.WithLogger(logger),
		query.WithMetrics(cacheMetrics),
	)

	signedIn := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "storyverse",
		Subsystem: "session",
		Name:      "authenticated",
		Help:      "1 while a user is signed in.",
	})
	a.registry.MustRegister(signedIn)
	sessOpts := []session.Option{
		session.WithCache(a.cache),
		session.WithLogger(logger),
		session.OnChange(func(snap session.Snapshot) {
			signedIn.Set(boolGauge(snap.IsAuthenticated))
		}),
	}
	if cfg.Storage.Secret != "" {
		sessOpts = append(sessOpts, session.WithSecret(cfg.Storage.Secret))
	}
	a.session = session.New(repo, sessOpts...)
	signedIn.Set(boolGauge(a.session.IsAuthenticated()))

	clientMetrics, err := client.NewMetrics(a.registry)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.client = client.New(a.session,
		client.WithTimeout(cfg.HTTP.Timeout),
		client.WithLogger(logger),
		client.WithMetrics(clientMetrics),
	)

	endpoints, err := story.NewEndpoints(cfg.APIURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.stories = story.NewQueries(story.NewService(a.client, endpoints), a.cache)

	if cfg.IdentityConfigured() {
		a.identity, err = identity.New(cfg.Identity.URL, cfg.Identity.AnonKey, identity.WithLogger(logger))
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) openRepository(ctx context.Context) (storage.Repository, error) {
	switch a.cfg.Storage.Driver {
	case config.DriverRedis:
		repo, err := redisstorage.NewRepositoryFromURL(ctx, a.cfg.Storage.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis session storage: %w", err)
		}
		a.closers = append(a.closers, repo.Close)
		return repo, nil
	case config.DriverMemory:
		return memory.NewRepository(), nil
	default:
		if err := os.MkdirAll(a.cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(a.cfg.SessionDBPath(), &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("failed to open session storage: %w", err)
		}
		a.closers = append(a.closers, repo.Close)
		return repo, nil
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (a *app) requireIdentity() error {
	if a.identity == nil {
		return errIdentityMissing
	}
	return nil
}

// Close releases the session storage.
func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openApp loads the configuration for cmd and builds the runtime. Logs go to
// the command's error stream.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return newApp(ctx, cfg, cmd.ErrOrStderr())
}
