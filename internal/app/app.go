// Package app собирает сервисы склада и биллинга: хранилища, HTTP API,
// gRPC health, метрики и фоновые воркеры.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/invoicesaga/internal/health"
)

const grpcHealthSyncInterval = 5 * time.Second

// worker: фоновая задача сервиса, живёт до отмены ctx.
type worker struct {
	name string
	run  func(ctx context.Context)
}

// serviceRuntime описывает, что и где поднимает один сервис.
type serviceRuntime struct {
	name            string
	httpAddr        string
	grpcAddr        string
	metricsAddr     string
	handler         http.Handler
	registry        *prometheus.Registry
	health          *healthcheck.Handler
	workers         []worker
	shutdownTimeout time.Duration
	logger          *log.Entry
}

// runningService: запущенный сервис с фактическими адресами слушателей.
type runningService struct {
	httpAddr    net.Addr
	grpcAddr    net.Addr
	metricsAddr net.Addr

	rt            *serviceRuntime
	apiServer     *http.Server
	metricsServer *http.Server
	grpcServer    *grpc.Server
	grpcHealth    *health.Server
	cancelWorkers context.CancelFunc
	workersDone   sync.WaitGroup
	errCh         chan error
}

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

func (rt *serviceRuntime) start(ctx context.Context) (_ *runningService, err error) {
	var listeners []net.Listener
	defer func() {
		if err != nil {
			for _, lis := range listeners {
				_ = lis.Close()
			}
		}
	}()
	listen := func(addr string) (net.Listener, error) {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		listeners = append(listeners, lis)
		return lis, nil
	}

	apiLis, err := listen(rt.httpAddr)
	if err != nil {
		return nil, err
	}
	metricsLis, err := listen(rt.metricsAddr)
	if err != nil {
		return nil, err
	}
	var grpcLis net.Listener
	if rt.grpcAddr != "" {
		if grpcLis, err = listen(rt.grpcAddr); err != nil {
			return nil, err
		}
	}

	s := &runningService{
		rt:          rt,
		httpAddr:    apiLis.Addr(),
		metricsAddr: metricsLis.Addr(),
		errCh:       make(chan error, 3),
		apiServer: &http.Server{
			Handler:           rt.handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		metricsServer: newMetricsServer(rt.registry, rt.health),
	}

	go s.serveHTTP("api", s.apiServer, apiLis)
	go s.serveHTTP("metrics", s.metricsServer, metricsLis)
	rt.logger.Infof("%s api listening on %s", rt.name, s.httpAddr)
	rt.logger.Infof("metrics on %s/metrics, health checks on /healthz /livez /readyz", s.metricsAddr)

	if grpcLis != nil {
		s.grpcAddr = grpcLis.Addr()
		s.grpcServer, s.grpcHealth = newGRPCServer(rt.registry, rt.name, rt.logger)
		go func() {
			rt.logger.Infof("grpc health listening on %s", s.grpcAddr)
			if err := s.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
		rt.workers = append(rt.workers, worker{name: "grpc-health-sync", run: s.syncGRPCHealth})
	}

	workersCtx, cancel := context.WithCancel(ctx)
	s.cancelWorkers = cancel
	for _, w := range rt.workers {
		s.workersDone.Add(1)
		go func(w worker) {
			defer s.workersDone.Done()
			rt.logger.WithField("worker", w.name).Debug("worker started")
			w.run(workersCtx)
			rt.logger.WithField("worker", w.name).Debug("worker stopped")
		}(w)
	}

	return s, nil
}

// wait блокируется до отмены ctx или падения сервера и аккуратно всё останавливает.
func (s *runningService) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		s.rt.logger.Info("shutdown signal received, stopping")
		s.shutdown()
		return ctx.Err()
	case err := <-s.errCh:
		s.rt.logger.WithError(err).Error("server failed, stopping")
		s.shutdown()
		return err
	}
}

func (s *runningService) serveHTTP(name string, srv *http.Server, lis net.Listener) {
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.errCh <- fmt.Errorf("%s server: %w", name, err)
	}
}

func (s *runningService) shutdown() {
	timeout := s.rt.shutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	if s.grpcHealth != nil {
		s.grpcHealth.Shutdown()
	}
	shutdownHTTP(s.apiServer, timeout, s.rt.logger)

	s.cancelWorkers()
	s.workersDone.Wait()

	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(timeout):
			s.rt.logger.Warn("grpc graceful stop timed out, forcing")
			s.grpcServer.Stop()
		}
	}
	shutdownHTTP(s.metricsServer, timeout, s.rt.logger)
}

// syncGRPCHealth переносит результат HTTP-проверок в grpc.health.v1.
func (s *runningService) syncGRPCHealth(ctx context.Context) {
	ticker := time.NewTicker(grpcHealthSyncInterval)
	defer ticker.Stop()
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if s.rt.health.Run(ctx).Status == healthcheck.StatusUnhealthy {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.grpcHealth.SetServingStatus("", status)
		s.grpcHealth.SetServingStatus(s.rt.name, status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// newMetricsServer обслуживает /metrics и HTTP-пробы.
func newMetricsServer(registry *prometheus.Registry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	healthHandler.Mount(mux)
	return &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func newGRPCServer(registry prometheus.Registerer, service string, logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	grpcMetrics.EnableHandlingTimeHistogram()
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	if err := registry.Register(grpcMetrics); err != nil {
		logger.WithError(err).Warn("failed to register grpc metrics")
	}

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)

	reflection.Register(server)
	grpcMetrics.InitializeMetrics(server)
	return server, healthServer
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, timeout time.Duration, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
