package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dbm "github.com/tendermint/tm-db"

	"github.com/BamaHodl/Fulcrum/config"
	"github.com/BamaHodl/Fulcrum/internal/headersync"
	"github.com/BamaHodl/Fulcrum/internal/server"
	"github.com/BamaHodl/Fulcrum/internal/store"
	"github.com/BamaHodl/Fulcrum/libs/log"
	"github.com/BamaHodl/Fulcrum/libs/service"
	rpcclient "github.com/BamaHodl/Fulcrum/rpc/client"
)

// Node assembles the header index, the sync controller and the client-facing
// server into one runnable unit.
type Node struct {
	service.BaseService
	logger log.Logger

	config *config.Config

	db         dbm.DB
	store      *store.Store
	controller *headersync.Controller
	server     *server.Server

	prometheusSrv *http.Server
}

// New wires a node from config. Nothing is started; call Start on the result.
func New(cfg *config.Config, logger log.Logger) (*Node, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := dbm.NewDB("headers", dbm.BackendType(cfg.DBBackend), cfg.DBDir())
	if err != nil {
		return nil, fmt.Errorf("opening header index: %w", err)
	}

	st, err := store.NewStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading header index: %w", err)
	}

	caller, err := rpcclient.New(cfg.Node.Remote, cfg.Node.Username, cfg.Node.Password)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("building node client: %w", err)
	}
	caller.SetTimeout(cfg.Node.RequestTimeout)

	syncMetrics := headersync.NopMetrics()
	if cfg.Instrumentation.Prometheus {
		syncMetrics = headersync.PrometheusMetrics(cfg.Instrumentation.Namespace)
	}

	// The server reads controller stats through a closure so both can be
	// built despite each referring to the other.
	var controller *headersync.Controller
	srv := server.New(
		logger.With("module", "server"),
		cfg.Server,
		func() headersync.Stats { return controller.Stats() },
		st,
	)
	controller = headersync.NewController(
		logger.With("module", "headersync"),
		cfg.Sync,
		caller,
		st,
		srv,
		syncMetrics,
		srv,
	)

	n := &Node{
		logger:     logger,
		config:     cfg,
		db:         db,
		store:      st,
		controller: controller,
		server:     srv,
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

func (n *Node) OnStart(ctx context.Context) error {
	if n.config.Instrumentation.Prometheus {
		n.prometheusSrv = n.startPrometheusServer(n.config.Instrumentation.PrometheusListenAddr)
	}

	n.logger.Info("starting sync controller",
		"remote", n.config.Node.Remote,
		"local_height", n.store.NumHeaders(),
	)
	return n.controller.Start(ctx)
}

func (n *Node) OnStop() {
	n.controller.Stop()

	if n.server.IsRunning() {
		n.server.Stop()
	}

	if n.prometheusSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.prometheusSrv.Shutdown(ctx); err != nil {
			n.logger.Error("prometheus server shutdown error", "err", err)
		}
	}

	if err := n.db.Close(); err != nil {
		n.logger.Error("error closing header index", "err", err)
	}
}

// Controller exposes the sync controller, mainly for tests and diagnostics.
func (n *Node) Controller() *headersync.Controller { return n.controller }

// startPrometheusServer starts a Prometheus HTTP server, listening for
// metrics collectors on addr.
func (n *Node) startPrometheusServer(addr string) *http.Server {
	srv := &http.Server{
		Addr: addr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{MaxRequestsInFlight: n.config.Instrumentation.MaxOpenConnections},
			),
		),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("prometheus server terminated", "err", err)
		}
	}()
	return srv
}
