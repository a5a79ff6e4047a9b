package service

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dsmmcken/qgate/internal/worker"
)

// AdminServiceName is the fully qualified name of the admin service.
const AdminServiceName = "qgate.Admin"

// AdminService manages the pool: cache and config synchronization,
// inspection, and reload.
type AdminService struct {
	receiver *worker.Receiver
	pool     *worker.Pool
	uptime   time.Time
}

// NewAdminService builds the admin service.
func NewAdminService(receiver *worker.Receiver, pool *worker.Pool) *AdminService {
	return &AdminService{receiver: receiver, pool: pool, uptime: time.Now()}
}

func (s *AdminService) getWorker() (*worker.ScopedWorker, error) {
	w, err := s.receiver.Get()
	if err != nil {
		return nil, leaseError(err)
	}
	w.Remember()
	return w, nil
}

func (s *AdminService) ping(ctx context.Context, req *PingRequest) (*PingReply, error) {
	w, err := s.getWorker()
	if err != nil {
		return nil, err
	}
	defer w.Release()
	echo, err := w.Worker().Ping(req.Echo)
	if err != nil {
		return nil, workerError(ctx, err)
	}
	w.Done()
	return &PingReply{Echo: echo}, nil
}

func (s *AdminService) checkoutProject(ctx context.Context, req *CheckoutRequest) (*worker.CacheInfo, error) {
	w, err := s.getWorker()
	if err != nil {
		return nil, err
	}
	defer w.Release()
	info, err := w.Worker().CheckoutProject(req.URI, req.Pull)
	if err != nil {
		return nil, workerError(ctx, err)
	}
	w.Done()
	if req.Pull {
		// Propagate to the whole pool.
		if info.Status == worker.CheckoutRemoved || info.Status == worker.CheckoutNotFound {
			s.receiver.UpdateCache(worker.Remove(req.URI))
		} else {
			s.receiver.UpdateCache(worker.Pull(req.URI))
		}
	}
	return info, nil
}

func (s *AdminService) dropProject(ctx context.Context, req *DropRequest) (*worker.CacheInfo, error) {
	w, err := s.getWorker()
	if err != nil {
		return nil, err
	}
	defer w.Release()
	// Report the project state without pulling it.
	info, err := w.Worker().CheckoutProject(req.URI, false)
	if err != nil {
		return nil, workerError(ctx, err)
	}
	w.Done()
	s.receiver.UpdateCache(worker.Remove(req.URI))
	return info, nil
}

func (s *AdminService) listCache(stream grpc.ServerStream) error {
	w, err := s.getWorker()
	if err != nil {
		return err
	}
	defer w.Release()
	items, err := w.Worker().ListCache()
	if err != nil {
		return workerError(stream.Context(), err)
	}
	for {
		item, err := items.Next()
		if err != nil {
			return workerError(stream.Context(), err)
		}
		if item == nil {
			break
		}
		if !item.Pinned {
			continue
		}
		if err := stream.SendMsg(item); err != nil {
			log.Error("Connection cancelled by client")
			return err
		}
	}
	w.Done()
	return nil
}

func (s *AdminService) clearCache(context.Context, *Empty) (*Empty, error) {
	s.receiver.UpdateCache(worker.Clear())
	return &Empty{}, nil
}

func (s *AdminService) updateCache(context.Context, *Empty) (*Empty, error) {
	s.receiver.UpdateCache(worker.Update())
	return &Empty{}, nil
}

// dumpCache drains every worker and streams its cache and config.
//
// This is a stop-the-world operation: it waits for all workers to be
// available. Debugging facility.
func (s *AdminService) dumpCache(stream grpc.ServerStream) error {
	numWorkers := s.pool.Options().NumProcesses
	workers := s.receiver.Drain()
	defer func() {
		for _, w := range workers {
			w.Release()
		}
	}()
	for len(workers) < numWorkers {
		w, err := s.getWorker()
		if err != nil {
			return err
		}
		workers = append(workers, w)
	}
	for _, w := range workers {
		items, err := w.Worker().ListCache()
		if err != nil {
			return workerError(stream.Context(), err)
		}
		var cache []worker.CacheInfo
		for {
			item, err := items.Next()
			if err != nil {
				return workerError(stream.Context(), err)
			}
			if item == nil {
				break
			}
			cache = append(cache, *item)
		}
		cfg, err := w.Worker().GetConfig()
		if err != nil {
			return workerError(stream.Context(), err)
		}
		cfgJSON, err := json.Marshal(cfg)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		w.Done()
		if err := stream.SendMsg(&DumpCacheItem{
			CacheID: w.Worker().Name(),
			Config:  string(cfgJSON),
			Cache:   cache,
		}); err != nil {
			log.Error("Connection cancelled by client")
			return err
		}
	}
	return nil
}

func (s *AdminService) listPlugins(stream grpc.ServerStream) error {
	w, err := s.getWorker()
	if err != nil {
		return err
	}
	defer w.Release()
	plugins, err := w.Worker().ListPlugins()
	if err != nil {
		return workerError(stream.Context(), err)
	}
	for {
		item, err := plugins.Next()
		if err != nil {
			return workerError(stream.Context(), err)
		}
		if item == nil {
			break
		}
		if err := stream.SendMsg(item); err != nil {
			log.Error("Connection cancelled by client")
			return err
		}
	}
	w.Done()
	return nil
}

func (s *AdminService) catalog(req *CatalogRequest, stream grpc.ServerStream) error {
	w, err := s.getWorker()
	if err != nil {
		return err
	}
	defer w.Release()
	items, err := w.Worker().Catalog(req.Location)
	if err != nil {
		return workerError(stream.Context(), err)
	}
	for {
		item, err := items.Next()
		if err != nil {
			return workerError(stream.Context(), err)
		}
		if item == nil {
			break
		}
		if err := stream.SendMsg(item); err != nil {
			log.Error("Connection cancelled by client")
			return err
		}
	}
	w.Done()
	return nil
}

func (s *AdminService) getProjectInfo(ctx context.Context, req *ProjectRequest) (*worker.ProjectInfo, error) {
	w, err := s.getWorker()
	if err != nil {
		return nil, err
	}
	defer w.Release()
	info, err := w.Worker().ProjectInfo(req.URI)
	if err != nil {
		return nil, workerError(ctx, err)
	}
	w.Done()
	return info, nil
}

func (s *AdminService) setConfig(ctx context.Context, req *JsonConfig) (*Empty, error) {
	var patch map[string]any
	if err := json.Unmarshal([]byte(req.JSON), &patch); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("Updating configuration: %s", req.JSON)
	} else {
		log.Info("Updating configuration")
	}
	if err := s.pool.PatchConfig(ctx, patch); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.receiver.UpdateConfig(patch)
	return &Empty{}, nil
}

func (s *AdminService) getConfig(context.Context, *Empty) (*JsonConfig, error) {
	opts := s.pool.Options()
	doc, err := json.Marshal(&opts)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &JsonConfig{JSON: string(doc)}, nil
}

func (s *AdminService) getEnv(ctx context.Context, _ *Empty) (*JsonConfig, error) {
	w, err := s.getWorker()
	if err != nil {
		return nil, err
	}
	defer w.Release()
	env, err := w.Worker().GetEnv()
	if err != nil {
		return nil, workerError(ctx, err)
	}
	w.Done()
	doc, err := json.Marshal(env)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &JsonConfig{JSON: string(doc)}, nil
}

func (s *AdminService) stats(context.Context, *Empty) (*StatsReply, error) {
	st := worker.NewStats(s.pool)
	activity, _ := st.Activity()
	return &StatsReply{
		ActiveWorkers:   st.Active,
		IdleWorkers:     st.Idle,
		DeadWorkers:     st.Dead,
		NumWorkers:      st.NumWorkers,
		FailurePressure: st.FailurePressure,
		RequestPressure: st.RequestPressure,
		Activity:        activity,
		UptimeSeconds:   int64(time.Since(s.uptime).Seconds()),
	}, nil
}

func (s *AdminService) reload(ctx context.Context, _ *Empty) (*Empty, error) {
	log.Info("Reloading workers")
	s.receiver.Reload()
	if err := s.pool.MaintainPool(ctx); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &Empty{}, nil
}

func (s *AdminService) sleep(ctx context.Context, req *SleepRequest) (*Empty, error) {
	w, err := s.getWorker()
	if err != nil {
		return nil, err
	}
	defer w.Release()
	if err := w.Worker().Sleep(req.Delay); err != nil {
		return nil, workerError(ctx, err)
	}
	w.Done()
	return &Empty{}, nil
}

// Desc returns the gRPC service descriptor.
func (s *AdminService) Desc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: AdminServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Ping", Handler: adminUnary(func(s *AdminService, ctx context.Context, in *PingRequest) (any, error) {
				return s.ping(ctx, in)
			})},
			{MethodName: "CheckoutProject", Handler: adminUnary(func(s *AdminService, ctx context.Context, in *CheckoutRequest) (any, error) {
				return s.checkoutProject(ctx, in)
			})},
			{MethodName: "DropProject", Handler: adminUnary(func(s *AdminService, ctx context.Context, in *DropRequest) (any, error) {
				return s.dropProject(ctx, in)
			})},
			{MethodName: "ClearCache", Handler: adminUnary(func(s *AdminService, ctx context.Context, in *Empty) (any, error) {
				return s.clearCache(ctx, in)
			})},
			{MethodName: "UpdateCache", Handler: adminUnary(func(s *AdminService, ctx context.Context, in *Empty) (any, error) {
				return s.updateCache(ctx, in)
			})},
			{MethodName: "GetProjectInfo", Handler: adminUnary(func(s *AdminService, ctx context.Context, in *ProjectRequest) (any, error) {
				return s.getProjectInfo(ctx, in)
			})},
			{MethodName: "SetConfig", Handler: adminUnary(func(s *AdminService, ctx context.Context, in *JsonConfig) (any, error) {
				return s.setConfig(ctx, in)
			})},
			{MethodName: "GetConfig", Handler: adminUnary(func(s *AdminService, ctx context.Context, in *Empty) (any, error) {
				return s.getConfig(ctx, in)
			})},
			{MethodName: "GetEnv", Handler: adminUnary(func(s *AdminService, ctx context.Context, in *Empty) (any, error) {
				return s.getEnv(ctx, in)
			})},
			{MethodName: "Stats", Handler: adminUnary(func(s *AdminService, ctx context.Context, in *Empty) (any, error) {
				return s.stats(ctx, in)
			})},
			{MethodName: "Reload", Handler: adminUnary(func(s *AdminService, ctx context.Context, in *Empty) (any, error) {
				return s.reload(ctx, in)
			})},
			{MethodName: "Sleep", Handler: adminUnary(func(s *AdminService, ctx context.Context, in *SleepRequest) (any, error) {
				return s.sleep(ctx, in)
			})},
		},
		Streams: []grpc.StreamDesc{
			{StreamName: "ListCache", Handler: func(srv any, stream grpc.ServerStream) error {
				if err := stream.RecvMsg(new(Empty)); err != nil {
					return err
				}
				return srv.(*AdminService).listCache(stream)
			}, ServerStreams: true},
			{StreamName: "DumpCache", Handler: func(srv any, stream grpc.ServerStream) error {
				if err := stream.RecvMsg(new(Empty)); err != nil {
					return err
				}
				return srv.(*AdminService).dumpCache(stream)
			}, ServerStreams: true},
			{StreamName: "ListPlugins", Handler: func(srv any, stream grpc.ServerStream) error {
				if err := stream.RecvMsg(new(Empty)); err != nil {
					return err
				}
				return srv.(*AdminService).listPlugins(stream)
			}, ServerStreams: true},
			{StreamName: "Catalog", Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(CatalogRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(*AdminService).catalog(in, stream)
			}, ServerStreams: true},
		},
	}
}

// adminUnary adapts a typed admin method to the grpc unary handler
// shape.
func adminUnary[In any](call func(*AdminService, context.Context, *In) (any, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(In)
		if err := dec(in); err != nil {
			return nil, err
		}
		svc := srv.(*AdminService)
		if interceptor == nil {
			return call(svc, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + AdminServiceName + "/"}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(svc, ctx, req.(*In))
		})
	}
}
