// Command daemon is the telemetry core's process entrypoint: it wires the
// event bus (C2), queue consumer (C3), session store/service (C5/C7),
// player resolver (C6), notification dispatcher (C9), and RCON monitor
// (C10) into a running process and serves the operator HTTP surface
// (SPEC_FULL §11).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openmohaa/telemetryd/internal/bus"
	"github.com/openmohaa/telemetryd/internal/config"
	"github.com/openmohaa/telemetryd/internal/eventhandlers"
	"github.com/openmohaa/telemetryd/internal/models"
	"github.com/openmohaa/telemetryd/internal/notify"
	"github.com/openmohaa/telemetryd/internal/ophttp"
	"github.com/openmohaa/telemetryd/internal/queue"
	"github.com/openmohaa/telemetryd/internal/ranking"
	"github.com/openmohaa/telemetryd/internal/rcon"
	"github.com/openmohaa/telemetryd/internal/repository"
	"github.com/openmohaa/telemetryd/internal/resolver"
	"github.com/openmohaa/telemetryd/internal/session"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalw("failed to load configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		sugar.Fatalw("failed to connect to postgres", "error", err)
	}
	defer pg.Close()

	chOpts, err := clickhouse.ParseDSN(cfg.ClickHouseURL)
	if err != nil {
		sugar.Fatalw("failed to parse clickhouse dsn", "error", err)
	}
	ch, err := clickhouse.Open(chOpts)
	if err != nil {
		sugar.Fatalw("failed to connect to clickhouse", "error", err)
	}
	defer ch.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		sugar.Fatalw("failed to parse redis url", "error", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	chSink := repository.NewChEventSink(ch)
	players := repository.NewPgPlayerRepository(pg, chSink)
	servers := repository.NewPgServerRepository(pg)

	eventBus := bus.New(logger)
	store := session.NewStore()
	rankingSvc := ranking.NewService()
	rconManager := rcon.NewManager(servers, cfg.RconRequestTimeout, logger)
	playerResolver := resolver.New(players, logger)
	sessionSvc := session.NewService(store, playerResolver, rconManager, players, servers, logger)

	dispatcher := notify.NewDispatcher(rconManager, servers, cfg.NotificationConfigTTL, logger, prometheus.DefaultRegisterer)

	handlers := eventhandlers.New(playerResolver, sessionSvc, players, servers, rankingSvc, rconManager, dispatcher, logger, prometheus.DefaultRegisterer)
	defer handlers.Stop()

	registerHandlers(eventBus, handlers)

	backoffCfg := rcon.BackoffConfig{
		Base:                cfg.RconBaseBackoff,
		Multiplier:          cfg.RconBackoffMultiplier,
		MaxBackoff:          cfg.RconMaxBackoffMinutes,
		MaxConsecutiveFails: cfg.RconMaxConsecutiveFailures,
		DormantRetry:        cfg.RconDormantRetryMinutes,
	}
	tracker := rcon.NewFailureTracker(backoffCfg)
	monitor := rcon.NewMonitor(rconManager, servers, sessionSvc, tracker, logger)
	monitor.SubscribeEarlyConnect(eventBus)

	direct := map[models.EventType]bus.HandlerFunc{
		models.EventPlayerKill: handlers.Kill,
		models.EventWeaponFire: noopWeaponTelemetry,
		models.EventWeaponHit:  noopWeaponTelemetry,
	}
	consumer, err := queue.NewConsumer(eventBus, direct, cfg.IdempotencyLRU, logger)
	if err != nil {
		sugar.Fatalw("failed to build queue consumer", "error", err)
	}

	watermillLogger := queue.NewZapAdapter(logger)
	_, subscriber, err := queue.NewPubSub(cfg.QueueUseAMQP, cfg.QueueAMQPURL, watermillLogger)
	if err != nil {
		sugar.Fatalw("failed to build queue transport", "error", err)
	}

	messages, err := subscriber.Subscribe(ctx, queue.EventsTopic)
	if err != nil {
		sugar.Fatalw("failed to subscribe to events topic", "error", err)
	}

	opServer := ophttp.New(
		pg,
		chPinger{ch},
		ophttp.PingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }),
		store,
	)
	httpServer := &http.Server{
		Addr:    fmtAddr(cfg.Port),
		Handler: opServer.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("operator http surface listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := monitor.StartSweep(gctx, "@every "+cfg.RconSweepInterval.String()); err != nil {
			return err
		}
		<-gctx.Done()
		monitor.Stop()
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg, ok := <-messages:
				if !ok {
					return nil
				}
				if _, err := consumer.Handle(msg); err != nil {
					msg.Nack()
					continue
				}
				msg.Ack()
			}
		}
	})

	<-gctx.Done()
	sugar.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil {
		sugar.Errorw("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

// registerHandlers wires every non-queue-only event type to its C8
// handler through the bus (§4.2). PLAYER_KILL/WEAPON_FIRE/WEAPON_HIT are
// dispatched directly by the consumer instead.
func registerHandlers(b *bus.Bus, h *eventhandlers.Handlers) {
	b.On(models.EventPlayerConnect, 0, h.Connect)
	b.On(models.EventPlayerDisconnect, 0, h.Disconnect)
	b.On(models.EventPlayerSuicide, 0, h.Suicide)
	b.On(models.EventPlayerTeamkill, 0, h.Teamkill)
	b.On(models.EventPlayerDamage, 0, h.Damage)
	b.On(models.EventChatMessage, 0, h.Chat)
	b.On(models.EventPlayerChangeName, 0, h.ChangeName)
	b.On(models.EventPlayerChangeTeam, 0, h.ChangeTeam)
	b.On(models.EventPlayerChangeRole, 0, h.ChangeRole)
	b.On(models.EventPlayerEntry, 0, h.Entry)
}

// noopWeaponTelemetry is the placeholder direct handler for the
// accuracy-only WEAPON_FIRE/WEAPON_HIT stream; a full implementation
// aggregates these into the same shots/hits counters Damage updates and
// is a natural follow-up once a real parser emits them.
func noopWeaponTelemetry(ctx context.Context, event *models.Event) error {
	return nil
}

func fmtAddr(port int) string {
	return ":" + strconv.Itoa(port)
}

// chPinger adapts a ClickHouse driver.Conn to ophttp.Pinger.
type chPinger struct {
	conn interface {
		Ping(ctx context.Context) error
	}
}

func (p chPinger) Ping(ctx context.Context) error { return p.conn.Ping(ctx) }
