package service

import "github.com/dsmmcken/qgate/internal/worker"

// Empty is the unit message.
type Empty struct{}

// PingRequest carries an echo string through a worker.
type PingRequest struct {
	Echo string `msgpack:"echo"`
}

// PingReply returns the echo string.
type PingReply struct {
	Echo string `msgpack:"echo"`
}

// OwsRequest is an OWS (WMS/WFS/WCS...) request.
type OwsRequest struct {
	Service     string `msgpack:"service"`
	Request     string `msgpack:"request"`
	Target      string `msgpack:"target"`
	URL         string `msgpack:"url,omitempty"`
	Version     string `msgpack:"version,omitempty"`
	Direct      bool   `msgpack:"direct"`
	Options     string `msgpack:"options,omitempty"`
	RequestID   string `msgpack:"request_id,omitempty"`
	ContentType string `msgpack:"content_type,omitempty"`
	Method      string `msgpack:"method,omitempty"`
	Body        []byte `msgpack:"body,omitempty"`
}

// ApiRequest is an OGC API request.
type ApiRequest struct {
	Name        string `msgpack:"name"`
	Path        string `msgpack:"path"`
	Method      string `msgpack:"method"`
	URL         string `msgpack:"url,omitempty"`
	Data        []byte `msgpack:"data,omitempty"`
	Delegate    bool   `msgpack:"delegate"`
	Target      string `msgpack:"target,omitempty"`
	Direct      bool   `msgpack:"direct"`
	Options     string `msgpack:"options,omitempty"`
	RequestID   string `msgpack:"request_id,omitempty"`
	ContentType string `msgpack:"content_type,omitempty"`
}

// ResponseChunk is one chunk of a streamed reply body.
type ResponseChunk struct {
	Chunk []byte `msgpack:"chunk"`
}

// CollectionsRequest asks for one page of the collections listing.
type CollectionsRequest struct {
	Location string `msgpack:"location,omitempty"`
	Resource string `msgpack:"resource,omitempty"`
	Start    int64  `msgpack:"start"`
	End      int64  `msgpack:"end"`
}

// CheckoutRequest checks a project out of the cache.
type CheckoutRequest struct {
	URI  string `msgpack:"uri"`
	Pull bool   `msgpack:"pull"`
}

// DropRequest removes a project from the cache.
type DropRequest struct {
	URI string `msgpack:"uri"`
}

// ProjectRequest addresses a project by uri.
type ProjectRequest struct {
	URI string `msgpack:"uri"`
}

// CatalogRequest lists the projects available at a location.
type CatalogRequest struct {
	Location string `msgpack:"location,omitempty"`
}

// JsonConfig carries a JSON document as a string.
type JsonConfig struct {
	JSON string `msgpack:"json"`
}

// SleepRequest asks a worker to sleep. Test facility.
type SleepRequest struct {
	Delay int64 `msgpack:"delay"`
}

// DumpCacheItem is the cache and config snapshot of one worker.
type DumpCacheItem struct {
	CacheID string             `msgpack:"cache_id"`
	Config  string             `msgpack:"config"`
	Cache   []worker.CacheInfo `msgpack:"cache"`
}

// StatsReply is a point-in-time measurement of pool health.
type StatsReply struct {
	ActiveWorkers   int     `msgpack:"active_workers"`
	IdleWorkers     int     `msgpack:"idle_workers"`
	DeadWorkers     int     `msgpack:"dead_workers"`
	NumWorkers      int     `msgpack:"num_workers"`
	FailurePressure float64 `msgpack:"failure_pressure"`
	RequestPressure float64 `msgpack:"request_pressure"`
	Activity        float64 `msgpack:"activity"`
	UptimeSeconds   int64   `msgpack:"uptime_seconds"`
}
