package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/fedhub/activitypub"
	"github.com/deemkeen/fedhub/db"
	"github.com/deemkeen/fedhub/delivery"
	"github.com/deemkeen/fedhub/directory"
	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/kv"
	"github.com/deemkeen/fedhub/metrics"
	"github.com/deemkeen/fedhub/queue"
	"github.com/deemkeen/fedhub/util"
	"github.com/deemkeen/fedhub/web"
	"github.com/deemkeen/fedhub/zot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const expireInterval = time.Hour

// hub is every long lived component of a running instance.
type hub struct {
	conf       *util.AppConfig
	db         *db.DB
	queue      *queue.Queue
	runner     *queue.Runner
	dir        *directory.Directory
	engine     *delivery.Engine
	parser     *activitypub.Parser
	translator *activitypub.Translator
	siteSigner *activitypub.Signer
	closers    []func()
}

func (h *hub) Close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i]()
	}
}

func openHub(ctx context.Context) (*hub, error) {
	conf, err := util.ReadConf()
	if err != nil {
		return nil, err
	}
	util.SetDebug(debug || conf.Conf.Debug)
	log := util.Logger()
	log.Debug().Msgf("Configuration: %s", util.PrettyPrint(conf))

	h := &hub{conf: conf}
	if h.db, err = db.Open(conf.Conf.DbPath); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	h.closers = append(h.closers, func() { h.db.Close() })

	keys, err := util.LoadOrCreateSiteKey()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("site key: %w", err)
	}
	siteKey, err := zot.ParsePrivateKey(keys.Private)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("site key: %w", err)
	}
	base := conf.BaseURL()
	h.siteSigner = &activitypub.Signer{KeyId: web.SiteKeyId(base), Key: siteKey}

	var store queue.Store = h.db
	if conf.Conf.Queue.Backend == "postgres" {
		pg, err := queue.Connect(ctx, conf.Conf.Queue.PostgresDsn)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("queue store: %w", err)
		}
		h.closers = append(h.closers, pg.Close)
		store = pg
		log.Info().Msg("Job queue on postgres")
	}
	h.queue = queue.New(store, queue.Options{
		Lease:       conf.Lease(),
		LongLease:   conf.LongLease(),
		LongRunning: conf.Conf.Queue.LongRunning,
	})

	var cache kv.Cache = kv.NewSQL(h.db)
	if conf.Conf.RedisAddr != "" {
		r, err := kv.Dial(ctx, conf.Conf.RedisAddr)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		h.closers = append(h.closers, func() { r.Close() })
		cache = r
	}

	var publisher directory.Publisher
	if conf.Conf.AmqpUrl != "" && conf.Conf.DirectoryNode {
		p, err := directory.DialAMQP(conf.Conf.AmqpUrl)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("amqp: %w", err)
		}
		h.closers = append(h.closers, func() { p.Close() })
		publisher = p
	}

	fetcher := activitypub.NewFetcher(conf.FetchTimeout())
	h.dir = directory.New(h.db, directory.Options{
		BaseURL:       base,
		Fetcher:       fetcher,
		Signer:        h.siteSigner,
		Queue:         h.queue,
		Cache:         cache,
		Publisher:     publisher,
		DirectoryNode: conf.Conf.DirectoryNode,
		StaleAfter:    conf.ActorStale(),
	})
	verifier := activitypub.NewVerifier(h.dir, nil)
	resolver := &activitypub.JSONResolver{Fetcher: fetcher, Signer: h.siteSigner}
	h.parser = activitypub.NewParser(resolver, verifier, conf.Conf.MaxFetchDepth)
	h.translator = activitypub.NewTranslator(base, conf.Conf.Language, h.dir, activitypub.SimpleMarkup{}, util.RealClock{})

	h.engine = delivery.New(h.db, delivery.Options{
		BaseURL:       base,
		Queue:         h.queue,
		Cache:         cache,
		MaxRelay:      conf.Conf.MaxRelayRecipients,
		MaxFetchDepth: conf.Conf.MaxFetchDepth,
	})

	h.runner = queue.NewRunner(h.queue, conf.Conf.Queue.MaxWorkers, time.Duration(conf.Conf.Queue.PollSeconds)*time.Second)
	delivery.NewCommands(h.engine, delivery.CommandOptions{
		BaseURL:    base,
		Translator: h.translator,
		Verifier:   verifier,
		Fetcher:    fetcher,
		Grace:      conf.TombstoneGrace(),
	}).Register(h.runner)
	h.runner.Register(domain.CmdGProbe, queue.HandlerFunc(h.dir.HandleProbe))
	h.runner.Register(domain.CmdPhoto, queue.HandlerFunc(h.dir.HandlePhoto))
	h.runner.Register(domain.CmdRefresh, queue.HandlerFunc(h.dir.HandleRefresh))

	metrics.MustRegister(prometheus.DefaultRegisterer)
	return h, nil
}

func (h *hub) server(opts ...func(*web.Options)) *web.Server {
	o := web.Options{
		BaseURL:    h.conf.BaseURL(),
		Domain:     h.conf.Domain(),
		DB:         h.db,
		Directory:  h.dir,
		Engine:     h.engine,
		Parser:     h.parser,
		Translator: h.translator,
		Queue:      h.queue,
		SiteSigner: h.siteSigner,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return web.NewServer(o)
}

// work runs the queue until ctx ends and waits for running jobs.
func (h *hub) work(ctx context.Context) error {
	go delivery.ScheduleExpire(ctx, h.queue, expireInterval)
	h.runner.Run(ctx)
	h.runner.Wait()
	return nil
}

func serveCmd() *cobra.Command {
	var (
		limit float64
		burst int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the federation endpoints and run the job queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			h, err := openHub(ctx)
			if err != nil {
				return err
			}
			defer h.Close()

			server := h.server(func(o *web.Options) {
				o.Limit = rate.Limit(limit)
				o.Burst = burst
			})
			addr := fmt.Sprintf("%s:%d", h.conf.Conf.Host, h.conf.Conf.HttpPort)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return h.work(ctx) })
			g.Go(func() error { return web.Router(ctx, addr, server) })
			err = g.Wait()
			util.Logger().Info().Msg("Shut down")
			return err
		},
	}
	cmd.Flags().Float64Var(&limit, "rate", 10, "requests per second per IP on federation endpoints, 0 disables")
	cmd.Flags().IntVar(&burst, "burst", 20, "request burst per IP")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the job queue",
		Long:  "Run queue workers without the HTTP server, for deployments sharing a postgres queue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			h, err := openHub(ctx)
			if err != nil {
				return err
			}
			defer h.Close()
			return h.work(ctx)
		},
	}
}
