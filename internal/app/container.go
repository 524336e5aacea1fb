package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/acme/lead-delivery/internal/channel"
	channelmetrics "github.com/acme/lead-delivery/internal/channel/metrics"
	"github.com/acme/lead-delivery/internal/channel/mock"
	"github.com/acme/lead-delivery/internal/channel/sms"
	channeltracing "github.com/acme/lead-delivery/internal/channel/tracing"
	"github.com/acme/lead-delivery/internal/channel/whatsapp"
	"github.com/acme/lead-delivery/internal/compliance"
	"github.com/acme/lead-delivery/internal/config"
	"github.com/acme/lead-delivery/internal/delivery"
	"github.com/acme/lead-delivery/internal/infra/db"
	"github.com/acme/lead-delivery/internal/infra/redis"
	"github.com/acme/lead-delivery/internal/phone"
	"github.com/acme/lead-delivery/internal/queue"
	"github.com/acme/lead-delivery/internal/ratelimit"
	"github.com/acme/lead-delivery/internal/repository"
	pgrepo "github.com/acme/lead-delivery/internal/repository/postgres"
	scyllarepo "github.com/acme/lead-delivery/internal/repository/scylla"
	sqliterepo "github.com/acme/lead-delivery/internal/repository/sqlite"
	"github.com/acme/lead-delivery/internal/template"
	"github.com/acme/lead-delivery/pkg/logger"
)

var simulation = mock.Config{SuccessRate: 0.9, MinLatency: 50 * time.Millisecond, MaxLatency: 300 * time.Millisecond}

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *prometheus.Registry

	Postgres *db.Postgres
	SQLite   *db.SQLite
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	repositories *repositories
	channels     *channels
	delivery     *deliveryComponents

	// lazily initialised Kafka writers
	components struct {
		once        sync.Once
		dispatchers *dispatchers
	}
}

type repositories struct {
	OptOuts  repository.OptOutRepository
	Attempts repository.AttemptStore
}

type channels struct {
	WhatsApp *whatsapp.Client
	SMS      *sms.Client
}

type deliveryComponents struct {
	Normalizer   *phone.CachedNormalizer
	Compliance   *compliance.Gate
	Limiter      ratelimit.Admitter
	Renderer     *template.Renderer
	Orchestrator *delivery.Orchestrator
}

type dispatchers struct {
	Requests *queue.RequestDispatcher
	Outcomes *queue.OutcomePublisher
}

type buildOptions struct {
	scylla   bool
	delivery bool
}

// Option selects optional parts of the container.
type Option func(*buildOptions)

// WithScylla connects the attempt log store.
func WithScylla() Option {
	return func(o *buildOptions) { o.scylla = true }
}

// WithoutDelivery skips the opt-out store, channels and orchestrator. Used by
// processes that only consume outcome events.
func WithoutDelivery() Option {
	return func(o *buildOptions) { o.delivery = false }
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string, opts ...Option) (*Container, error) {
	options := buildOptions{delivery: true}
	for _, opt := range opts {
		opt(&options)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	c := &Container{
		Config:       cfg,
		Logger:       lg,
		Metrics:      prometheus.NewRegistry(),
		Kafka:        kafka,
		repositories: &repositories{},
	}
	if cfg.Telemetry.MetricsEnabled {
		c.Metrics.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	if options.scylla {
		scylla, err := db.NewScylla(cfg.Scylla)
		if err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
		c.Scylla = scylla
		c.repositories.Attempts = scyllarepo.NewAttemptStore(scylla.Session())
	}

	if options.delivery {
		if err := c.buildDelivery(ctx); err != nil {
			_ = c.Close(ctx)
			return nil, err
		}
	}

	return c, nil
}

func (c *Container) buildDelivery(ctx context.Context) error {
	cfg := c.Config

	optOuts, err := c.openOptOutStore(ctx)
	if err != nil {
		return err
	}
	c.repositories.OptOuts = optOuts

	limiter, err := c.buildLimiter(ctx)
	if err != nil {
		return err
	}

	catalog := template.DefaultCatalog()
	if cfg.Templates.Path != "" {
		catalog, err = template.LoadCatalog(cfg.Templates.Path, cfg.Templates.Language)
		if err != nil {
			return fmt.Errorf("bootstrap templates: %w", err)
		}
	}

	wa, err := whatsapp.NewClient(whatsapp.Config{
		BaseURL:      cfg.WhatsApp.BaseURL,
		Session:      cfg.WhatsApp.Session,
		APIKey:       cfg.WhatsApp.APIKey,
		SendTimeout:  cfg.WhatsApp.SendTimeout,
		ProbeTimeout: cfg.WhatsApp.ProbeTimeout,
	}, &http.Client{})
	if err != nil {
		return fmt.Errorf("bootstrap whatsapp: %w", err)
	}
	smsClient := sms.NewClient(sms.Config{
		BaseURL:     cfg.SMS.BaseURL,
		AccountSID:  cfg.SMS.AccountSID,
		AuthToken:   cfg.SMS.AuthToken,
		From:        cfg.SMS.From,
		SendTimeout: cfg.SMS.SendTimeout,
	}, &http.Client{})
	c.channels = &channels{WhatsApp: wa, SMS: smsClient}

	primary, secondary := channel.Sender(wa), channel.Sender(smsClient)
	prober := channel.Prober(wa)
	secondaryConfigured := smsClient.Configured
	if cfg.WhatsApp.Mock {
		sim := mock.NewSender(channel.WhatsApp, simulation)
		primary, prober = sim, sim
		c.Logger.Warn("whatsapp gateway is simulated")
	}
	if cfg.SMS.Mock {
		secondary = mock.NewSender(channel.SMS, simulation)
		secondaryConfigured = func() bool { return true }
		c.Logger.Warn("sms carrier is simulated")
	}
	if cfg.Telemetry.MetricsEnabled {
		collector, err := channelmetrics.NewCollector(c.Metrics)
		if err != nil {
			return fmt.Errorf("bootstrap channel metrics: %w", err)
		}
		primary = collector.Wrap(channel.WhatsApp, primary)
		secondary = collector.Wrap(channel.SMS, secondary)
	}
	primary = channeltracing.NewSender(channel.WhatsApp, primary)
	secondary = channeltracing.NewSender(channel.SMS, secondary)

	comps := &deliveryComponents{
		Normalizer: phone.NewCachedNormalizer(cfg.Normalizer.CacheTTL),
		Compliance: compliance.NewGate(optOuts),
		Limiter:    limiter,
		Renderer:   template.NewRenderer(catalog),
	}

	orchestrator, err := delivery.New(delivery.Deps{
		Normalizer:          comps.Normalizer,
		Compliance:          comps.Compliance,
		Limiter:             comps.Limiter,
		Renderer:            comps.Renderer,
		Primary:             primary,
		Prober:              prober,
		Secondary:           secondary,
		SecondaryConfigured: secondaryConfigured,
		Events: delivery.MultiSink{
			delivery.NewLogSink(c.Logger),
			delivery.SinkFunc(func(ctx context.Context, o delivery.Outcome) error {
				return c.Dispatchers().Outcomes.Emit(ctx, o)
			}),
		},
		Logger: c.Logger,
	}, delivery.Config{
		RateMode:     cfg.RateLimit.Mode,
		SendTimeout:  cfg.WhatsApp.SendTimeout,
		ProbeTimeout: cfg.WhatsApp.ProbeTimeout,
	})
	if err != nil {
		return fmt.Errorf("bootstrap orchestrator: %w", err)
	}
	comps.Orchestrator = orchestrator
	c.delivery = comps

	if !secondaryConfigured() {
		c.Logger.Warn("sms credentials missing, failover disabled")
	}
	return nil
}

func (c *Container) openOptOutStore(ctx context.Context) (repository.OptOutRepository, error) {
	switch c.Config.OptOut.Backend {
	case config.OptOutBackendSQLite:
		store, err := db.NewSQLite(ctx, c.Config.SQLite)
		if err != nil {
			return nil, fmt.Errorf("bootstrap sqlite: %w", err)
		}
		c.SQLite = store
		repo, err := sqliterepo.NewOptOutRepository(ctx, store.DB())
		if err != nil {
			return nil, fmt.Errorf("bootstrap sqlite: %w", err)
		}
		return repo, nil
	default:
		pg, err := db.NewPostgres(ctx, c.Config.Postgres)
		if err != nil {
			return nil, fmt.Errorf("bootstrap postgres: %w", err)
		}
		c.Postgres = pg
		return pgrepo.NewOptOutRepository(pg.DB()), nil
	}
}

func (c *Container) buildLimiter(ctx context.Context) (ratelimit.Admitter, error) {
	rl := c.Config.RateLimit
	if rl.Backend != config.RateBackendRedis {
		w, err := ratelimit.NewWindow(rl.Ceiling, rl.Window)
		if err != nil {
			return nil, fmt.Errorf("bootstrap limiter: %w", err)
		}
		return w, nil
	}

	client, err := redis.NewClient(ctx, c.Config.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}
	c.Redis = client
	limiter, err := ratelimit.NewRedisWindow(client.Inner(), rl.RedisKey, rl.Ceiling, rl.Window)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis limiter: %w", err)
	}
	return limiter, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		c.components.dispatchers = &dispatchers{
			Requests: queue.NewRequestDispatcher(c.Kafka, c.Config.Kafka.RequestTopic),
			Outcomes: queue.NewOutcomePublisher(c.Kafka, c.Config.Kafka.OutcomeTopic),
		}
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	return c.repositories
}

// Channels exposes the raw channel clients.
func (c *Container) Channels() *channels {
	return c.channels
}

// Delivery exposes the delivery pipeline components. Nil when built
// WithoutDelivery.
func (c *Container) Delivery() *deliveryComponents {
	return c.delivery
}

// Dispatchers exposes Kafka writers.
func (c *Container) Dispatchers() *dispatchers {
	c.initComponents()
	return c.components.dispatchers
}

// HealthChecks lists pingers for every connected backend.
func (c *Container) HealthChecks() map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)
	if c.Postgres != nil {
		checks["postgres"] = c.Postgres.Ping
	}
	if c.SQLite != nil {
		checks["sqlite"] = c.SQLite.Ping
	}
	if c.Redis != nil {
		checks["redis"] = c.Redis.Ping
	}
	if c.Scylla != nil {
		checks["scylla"] = c.Scylla.Ping
	}
	if c.channels != nil && !c.Config.WhatsApp.Mock {
		wa := c.channels.WhatsApp
		checks["whatsapp"] = func(ctx context.Context) error {
			if h := wa.Probe(ctx); !h.Healthy {
				return h.Err
			}
			return nil
		}
	}
	return checks
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var result *multierror.Error
	if d := c.components.dispatchers; d != nil {
		if err := d.Requests.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("request dispatcher close: %w", err))
		}
		if err := d.Outcomes.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("outcome publisher close: %w", err))
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.SQLite != nil {
		if err := c.SQLite.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("sqlite close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		if err := result.ErrorOrNil(); err != nil {
			c.Logger.Warn("container close", zap.Error(err))
		}
		c.Logger.Sync()
	}
	return result.ErrorOrNil()
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	k := c.Config.Kafka
	partitions := k.Partitions
	if partitions <= 0 {
		partitions = 12
	}
	replication := k.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}
	return c.Kafka.EnsureTopics(ctx, []string{k.RequestTopic, k.OutcomeTopic}, partitions, replication)
}
