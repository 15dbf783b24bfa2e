package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/stellarlinkco/levelbot/internal/bus"
	"github.com/stellarlinkco/levelbot/internal/channel"
	"github.com/stellarlinkco/levelbot/internal/config"
	"github.com/stellarlinkco/levelbot/internal/cron"
	"github.com/stellarlinkco/levelbot/internal/levels"
	"github.com/stellarlinkco/levelbot/internal/notify"
	"github.com/stellarlinkco/levelbot/internal/store"
	"github.com/stellarlinkco/levelbot/internal/xp"
)

const shutdownTimeout = 10 * time.Second

// Worker job names as they appear in the scheduler state file.
const (
	JobMessages      = "xp-messages"
	JobActions       = "xp-actions"
	JobDecayProducer = "xp-decay-producer"
	JobDecayConsumer = "xp-decay-consumer"
	JobSync          = "xp-sync"
)

// Options for creating a Gateway
type Options struct {
	SignalChan chan os.Signal // for testing signal handling
	// Roles applies level roles on the chat platform. Nil logs the changes.
	Roles notify.RoleApplier
	// StatePath overrides where the scheduler keeps job run statistics.
	StatePath string
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	store      *store.Store
	service    *xp.Service
	channels   *channel.ChannelManager
	scheduler  *cron.Scheduler
	registry   *prometheus.Registry
	server     *http.Server
	signalChan chan os.Signal // for testing

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions wires the store, the XP service, the workers and the
// channels described by cfg.
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg, signalChan: opts.SignalChan}

	model, err := loadLevels(cfg.Levels)
	if err != nil {
		return nil, err
	}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	dbPath := strings.TrimSpace(cfg.Store.DBPath)
	if dbPath == "" {
		dbPath = config.DefaultDBPath()
	}
	st, err := store.Open(dbPath, cfg.XP.Defaults)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	g.registry = prometheus.NewRegistry()
	g.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	roles := opts.Roles
	if roles == nil {
		roles = notify.LogRoleApplier{}
	}
	g.service = xp.NewService(xp.NewEngine(model), st, st, xp.Options{
		SerializeMutations: cfg.XP.SerializeMutations,
		Handler:            notify.New(roles, g.bus, channel.TelegramName),
		Registerer:         g.registry,
	})

	statePath := opts.StatePath
	if statePath == "" {
		statePath = config.SchedulerStatePath()
	}
	g.scheduler = cron.NewScheduler(statePath)
	if err := g.registerWorkers(cfg.Workers); err != nil {
		_ = st.Close()
		return nil, err
	}

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	g.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

func loadLevels(cfg config.LevelsConfig) (*levels.Model, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		maxLevel := cfg.MaxLevel
		if maxLevel <= 0 {
			maxLevel = levels.DefaultMaxLevel
		}
		return levels.Default(maxLevel), nil
	}
	model, err := levels.Load(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("load level table: %w", err)
	}
	return model, nil
}

func (g *Gateway) registerWorkers(w config.WorkersConfig) error {
	jobs := []struct {
		name string
		spec string
		fn   cron.JobFunc
	}{
		{JobMessages, w.Messages, func(ctx context.Context) error {
			g.service.ConsumeMessages(ctx)
			return nil
		}},
		{JobActions, w.Actions, func(ctx context.Context) error {
			g.service.ConsumeActions(ctx)
			return nil
		}},
		{JobDecayProducer, w.DecayProducer, func(ctx context.Context) error {
			g.service.ProduceDecay(ctx)
			return nil
		}},
		{JobDecayConsumer, w.DecayConsumer, func(ctx context.Context) error {
			g.service.ConsumeDecay(ctx)
			return nil
		}},
		{JobSync, w.Sync, g.service.Sync},
	}
	for _, j := range jobs {
		if _, err := g.scheduler.AddJob(j.name, j.spec, j.fn); err != nil {
			return fmt.Errorf("register worker: %w", err)
		}
	}
	return nil
}

// Service exposes the XP coordination service.
func (g *Gateway) Service() *xp.Service { return g.service }

// Handler returns the HTTP status and admin handler.
func (g *Gateway) Handler() http.Handler { return g.server.Handler }

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.scheduler.Start(ctx); err != nil {
		log.Printf("[gateway] scheduler start warning: %v", err)
	}

	go g.processLoop(ctx)

	serveErr := make(chan error, 1)
	go func() {
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	log.Printf("[gateway] running on %s", g.server.Addr)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	var runErr error
	select {
	case <-sigCh:
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	log.Printf("[gateway] shutting down...")
	return errors.Join(runErr, g.Shutdown())
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.service.EnqueueMessageEvent(messageGain(msg))
		case <-ctx.Done():
			return
		}
	}
}

// messageGain maps a chat message to an XP event. A group chat is a guild and
// also the channel the message was posted in.
func messageGain(msg bus.InboundMessage) xp.MessageGain {
	return xp.MessageGain{
		GuildID:     msg.ChatID,
		UserID:      msg.SenderID,
		Username:    msg.MetaString(channel.MetaUsername),
		ChannelID:   msg.ChatID,
		RoleIDs:     msg.MetaStrings(channel.MetaRoles),
		MessageTime: msg.Timestamp,
		IsBooster:   msg.MetaBool(channel.MetaBooster),
	}
}

// Shutdown stops the workers, applies what is still queued, writes every
// dirty record and closes the store. It is safe to call more than once.
func (g *Gateway) Shutdown() error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown()
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	g.scheduler.Stop()
	if err := g.channels.StopAll(); err != nil {
		log.Printf("[gateway] stop channels warning: %v", err)
	}
	if err := g.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	g.service.ConsumeMessages(ctx)
	g.service.ConsumeActions(ctx)
	if err := g.service.Sync(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final sync: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	log.Printf("[gateway] shutdown complete")
	return errors.Join(errs...)
}
