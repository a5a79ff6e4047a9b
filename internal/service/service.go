package service

import (
	"context"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/dsmmcken/qgate/internal/monitor"
	"github.com/dsmmcken/qgate/internal/worker"
)

// MapServiceName is the fully qualified name of the map service.
const MapServiceName = "qgate.MapServer"

// MapService handles QGIS map requests: each RPC leases a worker,
// forwards the translated request, and streams the reply body back.
type MapService struct {
	receiver *worker.Receiver
	reports  monitor.Sender
}

// NewMapService builds the map service over a pool receiver.
func NewMapService(receiver *worker.Receiver, reports monitor.Sender) *MapService {
	return &MapService{receiver: receiver, reports: reports}
}

// getWorker leases a worker, mapping admission failures to gRPC codes.
func (s *MapService) getWorker() (*worker.ScopedWorker, error) {
	w, err := s.receiver.Get()
	if err != nil {
		return nil, leaseError(err)
	}
	w.Remember()
	return w, nil
}

func (s *MapService) ping(ctx context.Context, req *PingRequest) (*PingReply, error) {
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

func (s *MapService) collections(ctx context.Context, req *CollectionsRequest) (*worker.CollectionsPage, error) {
	w, err := s.getWorker()
	if err != nil {
		return nil, err
	}
	defer w.Release()
	page, err := w.Worker().Collections(req.Location, req.Resource, req.Start, req.End)
	if err != nil {
		return nil, workerError(ctx, err)
	}
	w.Done()
	return page, nil
}

func (s *MapService) executeOwsRequest(req *OwsRequest, stream grpc.ServerStream) error {
	w, err := s.getWorker()
	if err != nil {
		return err
	}
	defer w.Release()

	var method worker.HTTPMethod
	if req.Method != "" {
		if method, err = worker.ParseHTTPMethod(req.Method); err != nil {
			return workerError(stream.Context(), err)
		}
	}
	md, _ := metadata.FromIncomingContext(stream.Context())
	reply, err := w.Worker().Request(&worker.OwsRequestMsg{
		Service:      req.Service,
		Request:      req.Request,
		Target:       req.Target,
		URL:          req.URL,
		Version:      req.Version,
		Direct:       req.Direct,
		Options:      req.Options,
		Headers:      metadataToHeaders(md),
		RequestID:    req.RequestID,
		HeaderPrefix: headerPrefix,
		ContentType:  req.ContentType,
		Method:       method,
		Body:         req.Body,
		DebugReport:  s.reports.IsConfigured(),
	})
	if err != nil {
		return workerError(stream.Context(), err)
	}
	if err := stream.SendHeader(headersToMetadata(reply.StatusCode, reply.Headers)); err != nil {
		return err
	}
	return s.streamBytes(w, stream)
}

func (s *MapService) executeApiRequest(req *ApiRequest, stream grpc.ServerStream) error {
	w, err := s.getWorker()
	if err != nil {
		return err
	}
	defer w.Release()

	method, err := worker.ParseHTTPMethod(req.Method)
	if err != nil {
		return workerError(stream.Context(), err)
	}
	md, _ := metadata.FromIncomingContext(stream.Context())
	reply, err := w.Worker().Request(&worker.ApiRequestMsg{
		Name:         req.Name,
		Path:         req.Path,
		Method:       method,
		URL:          req.URL,
		Data:         req.Data,
		Delegate:     req.Delegate,
		Target:       req.Target,
		Direct:       req.Direct,
		Options:      req.Options,
		Headers:      metadataToHeaders(md),
		RequestID:    req.RequestID,
		HeaderPrefix: headerPrefix,
		ContentType:  req.ContentType,
		DebugReport:  s.reports.IsConfigured(),
	})
	if err != nil {
		return workerError(stream.Context(), err)
	}
	if err := stream.SendHeader(headersToMetadata(reply.StatusCode, reply.Headers)); err != nil {
		return err
	}
	return s.streamBytes(w, stream)
}

// streamBytes forwards the reply body to the client. SendMsg blocks on
// transport flow control, which back-pressures the pipe reader.
//
// On client disconnect the body is left unconsumed: the recycler drains
// it because Done was never signalled.
func (s *MapService) streamBytes(w *worker.ScopedWorker, stream grpc.ServerStream) error {
	body, err := w.Worker().ByteStream()
	if err != nil {
		return workerError(stream.Context(), err)
	}
	for {
		chunk, err := body.Next()
		if err != nil {
			return workerError(stream.Context(), err)
		}
		if chunk == nil {
			break
		}
		if err := stream.SendMsg(&ResponseChunk{Chunk: chunk}); err != nil {
			log.Error("Connection cancelled by client")
			return err
		}
	}
	w.Done()
	s.sendReport(w)
	return nil
}

// sendReport forwards the post-request telemetry to the monitor.
func (s *MapService) sendReport(w *worker.ScopedWorker) {
	if !s.reports.IsConfigured() {
		return
	}
	report, err := w.Worker().GetReport()
	if err != nil {
		log.Debugf("Failed to read worker report: %v", err)
		return
	}
	if err := s.reports.Send(report); err != nil {
		log.Debugf("Dropped telemetry report: %v", err)
	}
}

// Desc returns the gRPC service descriptor.
func (s *MapService) Desc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: MapServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Ping", Handler: mapPingHandler},
			{MethodName: "Collections", Handler: mapCollectionsHandler},
		},
		Streams: []grpc.StreamDesc{
			{StreamName: "ExecuteOwsRequest", Handler: mapOwsHandler, ServerStreams: true},
			{StreamName: "ExecuteApiRequest", Handler: mapApiHandler, ServerStreams: true},
		},
	}
}

func mapPingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*MapService).ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + MapServiceName + "/Ping"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(*MapService).ping(ctx, req.(*PingRequest))
	})
}

func mapCollectionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CollectionsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*MapService).collections(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + MapServiceName + "/Collections"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(*MapService).collections(ctx, req.(*CollectionsRequest))
	})
}

func mapOwsHandler(srv any, stream grpc.ServerStream) error {
	in := new(OwsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*MapService).executeOwsRequest(in, stream)
}

func mapApiHandler(srv any, stream grpc.ServerStream) error {
	in := new(ApiRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*MapService).executeApiRequest(in, stream)
}
