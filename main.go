package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"ChatCore/data/database/mgo/mongoutil"
	"ChatCore/global/config"
	"ChatCore/logger"
	"ChatCore/module/chat/member"
	"ChatCore/module/chat/message"
	"ChatCore/module/chat/readstate"
	"ChatCore/service/bus"
	"ChatCore/service/chat"
	"ChatCore/service/dispatcher/kafka"
	"ChatCore/service/natsx"
	"ChatCore/service/presence"
	"ChatCore/service/route"
	redisstore "ChatCore/service/storage/redis"
	"ChatCore/tools/errs"
	"ChatCore/tools/ids"
	"ChatCore/tools/safe"
	"ChatCore/tools/security"
)

type stores struct {
	msg     message.Store
	cache   readstate.Cache
	members member.Directory
	pres    presence.Store
}

func main() {
	cfg := config.Load()
	logger.Info("starting chat core",
		zap.String("node", cfg.NodeID), zap.Int("serverId", cfg.ServerID),
		zap.Int("totalServers", cfg.TotalServers), zap.String("bus", cfg.BusKind))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router, err := route.New(cfg.ServerID, cfg.TotalServers)
	if err != nil {
		logger.Error("routing config rejected", zap.Error(err))
		os.Exit(1)
	}

	b, err := buildBus(cfg)
	if err != nil {
		logger.Error("bus init failed", zap.Error(err))
		os.Exit(1)
	}
	defer func() { _ = b.Close() }()

	st, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Error("store init failed", zap.Error(err))
		os.Exit(1)
	}

	auth, err := buildAuth(cfg)
	if err != nil {
		logger.Error("auth init failed", zap.Error(err))
		os.Exit(1)
	}

	msgs := message.NewService(message.Conf{}, router, ids.NewRegistry(), st.msg, b)
	reads := readstate.NewPipeline(readstate.Conf{}, st.cache, st.msg, st.members, b)
	agg := presence.NewAggregator(presence.Conf{TTL: cfg.PresenceTTL}, st.pres)

	rec := readstate.NewReconciler(st.cache, st.msg, b)
	if err := rec.Start(); err != nil {
		logger.Error("reconciler subscribe failed", zap.Error(err))
		os.Exit(1)
	}

	idem := bus.NewMemIdem(5 * time.Minute)
	defer idem.Close()
	conns := chat.NewConnManager(chat.ManagerConf{MaxPerUser: cfg.MaxConnsPerUser}, cfg.NodeID)
	defer conns.Close()

	gw := chat.NewGateway(chat.Conf{}, conns, msgs, reads, agg, st.members, b, auth, idem)
	if err := gw.Start(ctx); err != nil {
		logger.Error("gateway subscribe failed", zap.Error(err))
		os.Exit(1)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	gw.RegisterRoutes(engine)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: engine}
	safe.Go("http-serve", func() {
		logger.Infof("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", zap.Error(err))
			stop()
		}
	})

	<-ctx.Done()
	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
}

func buildBus(cfg config.AppConfig) (bus.Bus, error) {
	switch cfg.BusKind {
	case config.BusNATS:
		return natsx.New(natsx.Config{Servers: cfg.NATSServers, Name: cfg.NodeID})
	case config.BusKafka:
		return kafka.New(kafka.Config{Brokers: cfg.KafkaBrokers, NodeID: cfg.NodeID})
	case config.BusMem:
		return bus.NewMemBus(), nil
	default:
		return nil, errs.ErrInvalidRequest.WrapMsg("unknown bus kind " + cfg.BusKind)
	}
}

// buildStores connects the external stores, or wires the in-process twins in
// single-node dev mode so the binary runs with no infrastructure at all.
func buildStores(ctx context.Context, cfg config.AppConfig) (*stores, error) {
	if cfg.BusKind == config.BusMem {
		ms := message.NewMemStore()
		return &stores{
			msg:     ms,
			cache:   readstate.NewMemCache(),
			members: member.NewMemDirectory(),
			pres:    presence.NewMemStore(),
		}, nil
	}

	rdb, err := redisstore.Open(redisstore.Config{
		Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB,
	})
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, errs.WrapMsg(err, "postgres connect")
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, errs.WrapMsg(err, "postgres ping")
	}

	mdb, err := mongoutil.NewMongoDB(ctx, &mongoutil.Config{
		Uri:      cfg.MongoURI,
		Database: cfg.MongoDatabase,
		Username: cfg.MongoUsername,
		Password: cfg.MongoPassword,
	})
	if err != nil {
		return nil, err
	}

	return &stores{
		msg:     message.NewPgStore(pool),
		cache:   readstate.NewRedisCache(rdb),
		members: member.NewMongoDirectory(mdb),
		pres:    presence.NewRedisStore(rdb),
	}, nil
}

func buildAuth(cfg config.AppConfig) (security.AuthExtractor, error) {
	switch cfg.AuthMode {
	case config.AuthJWT:
		if cfg.JWTSecret == "" {
			return nil, errs.ErrAuth.WrapMsg("CHATCORE_JWT_SECRET is required in jwt mode")
		}
		return security.NewJWTExtractor([]byte(cfg.JWTSecret)), nil
	case config.AuthInsecure:
		logger.Warn("insecure auth mode: userId query parameter is trusted")
		return security.NewInsecureExtractor(), nil
	default:
		return nil, errs.ErrInvalidRequest.WrapMsg("unknown auth mode " + cfg.AuthMode)
	}
}
