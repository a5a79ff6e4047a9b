package service

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dsmmcken/qgate/internal/config"
	"github.com/dsmmcken/qgate/internal/monitor"
	"github.com/dsmmcken/qgate/internal/supervisor"
	"github.com/dsmmcken/qgate/internal/worker"
)

// workerArgs returns the interpreter arguments of the worker process.
func workerArgs() string {
	if v := os.Getenv("QGATE_WORKER_ARGS"); v != "" {
		return v
	}
	return "-m qgate_worker.main"
}

// Serve runs the gateway until ctx is cancelled, then drains the pool
// within the configured grace period.
func Serve(ctx context.Context, cancel context.CancelFunc, settings *config.Settings) error {
	pool := worker.NewPool(worker.NewBuilderFromOptions(workerArgs(), settings.Worker))
	if err := pool.MaintainPool(ctx); err != nil {
		return fmt.Errorf("starting worker pool: %w", err)
	}
	receiver := worker.NewReceiver(pool)

	// Telemetry sink.
	var reports monitor.Sender
	if settings.Monitor != nil && settings.Monitor.Command != "" {
		mon, err := monitor.New(*settings.Monitor)
		if err != nil {
			return err
		}
		reports = mon.Sender()
		go func() {
			if err := mon.Run(ctx); err != nil {
				log.Errorf("FATAL: unrecoverable monitor failure: %v", err)
				cancel()
			}
		}()
	}

	supervisor.HandleSignals(ctx, pool, cancel, settings.Rpc.MaxFailurePressure)
	if err := supervisor.HandleOOM(ctx, pool, settings.Rpc.HighWaterMark, settings.Rpc.OomInterval()); err != nil {
		return err
	}

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(codec{}),
		grpc.ChainUnaryInterceptor(timeoutUnaryInterceptor(settings.Rpc.RequestTimeout())),
	}
	if settings.Rpc.Listen.EnableTLS {
		log.Info("TLS enabled")
		creds, err := serverCredentials(&settings.Rpc.Listen)
		if err != nil {
			return err
		}
		opts = append(opts, grpc.Creds(creds))
	}
	server := grpc.NewServer(opts...)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(MapServiceName, healthpb.HealthCheckResponse_SERVING)

	mapService := NewMapService(receiver, reports)
	server.RegisterService(mapService.Desc(), mapService)
	if settings.Rpc.EnableAdminServices {
		log.Info("Enabling admin services")
		adminService := NewAdminService(receiver, pool)
		server.RegisterService(adminService.Desc(), adminService)
	}

	lis, err := net.Listen("tcp", settings.Rpc.Listen.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", settings.Rpc.Listen.Address, err)
	}
	log.Infof("RPC serving at %s", settings.Rpc.Listen.Address)
	go func() {
		if err := server.Serve(lis); err != nil {
			log.Errorf("RPC server failed: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()

	// Stop handing out workers and wait for active requests.
	pool.Close(settings.Rpc.GracePeriod())
	healthServer.SetServingStatus(MapServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	server.Stop()

	log.Info("Server shutdown")
	if pool.HasError() {
		return fmt.Errorf("server terminated because of errors")
	}
	return nil
}

// serverCredentials builds the TLS transport credentials of the
// listener.
func serverCredentials(listen *config.Listen) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(listen.TLSCertFile, listen.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS key pair: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if listen.TLSClientCAFile != "" {
		ca, err := os.ReadFile(listen.TLSClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("no certificate found in %s", listen.TLSClientCAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return credentials.NewTLS(cfg), nil
}

// timeoutUnaryInterceptor bounds every unary request. Streaming
// requests are bounded by the pool's cancel machinery instead: a slow
// client must not cut off a map response mid-stream.
func timeoutUnaryInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if timeout <= 0 {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return handler(ctx, req)
	}
}
