// Command trackerd runs the social analytics tracking engine: the job
// queue dispatcher, the cron scheduler, and the HTTP API, all sharing
// one store Gateway and one set of per-platform scraper clients.
//
// Wiring and shutdown sequence grounded on the teacher's cmd/agent/main.go.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/socialpulse/trackerd/internal/api"
	"github.com/socialpulse/trackerd/internal/config"
	"github.com/socialpulse/trackerd/internal/cookiepool"
	"github.com/socialpulse/trackerd/internal/logging"
	"github.com/socialpulse/trackerd/internal/pipeline"
	"github.com/socialpulse/trackerd/internal/queue"
	"github.com/socialpulse/trackerd/internal/scheduler"
	"github.com/socialpulse/trackerd/internal/scraper"
	"github.com/socialpulse/trackerd/internal/scraper/instagram"
	"github.com/socialpulse/trackerd/internal/scraper/twitter"
	"github.com/socialpulse/trackerd/internal/store"
	"github.com/socialpulse/trackerd/internal/store/models"
)

// requestsPerSecond is the per-client outbound rate, deliberately well
// under any platform's published limit; the Cookie Pool's rotation is
// the defense against harder limits, this is just politeness.
const requestsPerSecond = 0.5

func main() {
	log := logrus.New()
	log.SetFormatter(logging.NewColoredJSONFormatter())

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.SetLevel(logrus.InfoLevel)
		log.WithField("attempted_level", cfg.LogLevel).Warn("invalid log level, defaulting to info")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("opening store gateway")
	gw, err := store.Open(cfg.DSN(), cfg.MigrationsURL(), log)
	if err != nil {
		log.WithError(err).Fatal("failed to open store gateway")
	}
	defer func() {
		if err := gw.Close(); err != nil {
			log.WithError(err).Error("error closing store gateway")
		}
	}()

	clients, pools, err := buildScraperClients(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build scraper clients")
	}
	for _, p := range pools {
		p.StartAutoReset(cookiepool.DefaultAutoResetInterval)
		defer p.Stop()
	}

	pl := pipeline.New(gw, clients, log,
		pipeline.WithReelWorkingSetSize(cfg.ReelWorkingSetSize()),
		pipeline.WithReelFetchDelay(cfg.ReelFetchDelay()),
	)
	dailyRunner := pipeline.NewDailyRunner(pl, log)

	runJob := func(ctx context.Context, job queue.Job) (interface{}, error) {
		return pl.Run(ctx, job)
	}
	q := queue.New(runJob, cfg.MinTimeBetweenJobs(), cfg.MaxBackoff(), log)

	enqueueAll := func(ctx context.Context) {
		profiles, err := gw.ListAllProfiles(ctx)
		if err != nil {
			log.WithError(err).Error("enqueue-all: failed to list tracked profiles")
			return
		}
		for _, p := range profiles {
			q.Add(queue.Target{Platform: string(p.Platform), Username: p.Username}, false, "", nil)
		}
		log.WithField("count", len(profiles)).Info("enqueue-all: queued daily refresh jobs")

		if err := dailyRunner.RunOnce(ctx); err != nil {
			log.WithError(err).Error("daily runner pass failed")
		}
	}

	sched, err := scheduler.New(cfg.TZ, cfg.DailyCronSchedule, cfg.RefreshCronSchedule, enqueueAll, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build scheduler")
	}
	if err := sched.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start scheduler")
	}
	defer sched.Stop()

	handler := api.NewHandler(q, gw, sched, enqueueAll, models.PlatformInstagram, log)
	router := api.NewRouter(handler)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go q.Run(ctx)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info("received shutdown signal, starting graceful shutdown")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("error shutting down HTTP server")
		}

		cancel()
	}()

	log.WithField("addr", srv.Addr).Info("starting HTTP API")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("HTTP server stopped with error")
	}

	log.Info("trackerd shutdown complete")
}

// buildScraperClients assembles the per-platform scraper.Client set and
// the Cookie Pools backing them, one pool per platform credential set.
func buildScraperClients(cfg *config.Config, log *logrus.Logger) (map[models.Platform]scraper.Client, []*cookiepool.Pool, error) {
	clients := make(map[models.Platform]scraper.Client, 2)
	var pools []*cookiepool.Pool

	igCreds, err := cfg.InstagramCredentials()
	if err != nil {
		return nil, nil, err
	}
	if len(igCreds) > 0 {
		igPool := cookiepool.New(string(models.PlatformInstagram), igCreds, log)
		pools = append(pools, igPool)
		clients[models.PlatformInstagram] = instagram.New(igPool, requestsPerSecond, log)
	} else {
		log.Warn("no Instagram credentials configured, Instagram tracking disabled")
	}

	twCreds, err := cfg.TwitterCredentials()
	if err != nil {
		return nil, nil, err
	}
	if len(twCreds) > 0 || cfg.TwitterBearerToken != "" {
		if cfg.TwitterBearerToken != "" {
			twCreds = append(twCreds, cfg.TwitterBearerToken)
		}
		twPool := cookiepool.New(string(models.PlatformTwitter), twCreds, log)
		pools = append(pools, twPool)
		twClient, err := twitter.New(twPool, twitter.Credentials{
			ConsumerKey:       cfg.TwitterConsumerKey,
			ConsumerSecret:    cfg.TwitterConsumerSecret,
			AccessToken:       cfg.TwitterAccessToken,
			AccessTokenSecret: cfg.TwitterAccessTokenSecret,
		}, requestsPerSecond, log)
		if err != nil {
			return nil, nil, err
		}
		clients[models.PlatformTwitter] = twClient
	} else {
		log.Warn("no Twitter credentials configured, Twitter tracking disabled")
	}

	return clients, pools, nil
}
