package service

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// AdminClient is a thin client for the admin service, used by the CLI
// commands.
type AdminClient struct {
	conn *grpc.ClientConn
}

// DialAdmin connects to a gateway's admin service.
func DialAdmin(address string) (*AdminClient, error) {
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}
	return &AdminClient{conn: conn}, nil
}

// Close releases the connection.
func (c *AdminClient) Close() error { return c.conn.Close() }

// Stats fetches a pool measurement.
func (c *AdminClient) Stats(ctx context.Context) (*StatsReply, error) {
	out := new(StatsReply)
	if err := c.conn.Invoke(ctx, "/"+AdminServiceName+"/Stats", &Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping round-trips an echo string through a worker.
func (c *AdminClient) Ping(ctx context.Context, echo string) (string, error) {
	out := new(PingReply)
	if err := c.conn.Invoke(ctx, "/"+AdminServiceName+"/Ping", &PingRequest{Echo: echo}, out); err != nil {
		return "", err
	}
	return out.Echo, nil
}

// Reload terminates and respawns every worker.
func (c *AdminClient) Reload(ctx context.Context) error {
	return c.conn.Invoke(ctx, "/"+AdminServiceName+"/Reload", &Empty{}, new(Empty))
}

// SetConfig applies a JSON merge patch to the pool configuration.
func (c *AdminClient) SetConfig(ctx context.Context, doc string) error {
	return c.conn.Invoke(ctx, "/"+AdminServiceName+"/SetConfig", &JsonConfig{JSON: doc}, new(Empty))
}

// GetConfig fetches the pool configuration as JSON.
func (c *AdminClient) GetConfig(ctx context.Context) (string, error) {
	out := new(JsonConfig)
	if err := c.conn.Invoke(ctx, "/"+AdminServiceName+"/GetConfig", &Empty{}, out); err != nil {
		return "", err
	}
	return out.JSON, nil
}
