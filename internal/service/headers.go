package service

import (
	"strconv"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Prefix under which worker reply headers are exposed as response
// metadata.
const headerPrefix = "x-reply-header-"

// metadataToHeaders translates incoming request metadata into the
// header pairs forwarded to the worker. gRPC transport metadata and
// binary values are not forwarded.
func metadataToHeaders(md metadata.MD) [][2]string {
	var headers [][2]string
	for name, values := range md {
		if !admitHeader(name) {
			continue
		}
		for _, value := range values {
			headers = append(headers, [2]string{name, value})
		}
	}
	return headers
}

func admitHeader(name string) bool {
	switch {
	case strings.HasPrefix(name, ":"),
		strings.HasPrefix(name, "grpc-"),
		strings.HasSuffix(name, "-bin"),
		name == "content-type", name == "user-agent", name == "te":
		return false
	default:
		return true
	}
}

// headersToMetadata builds the response metadata carrying the worker
// reply status and headers.
func headersToMetadata(statusCode int64, headers [][2]string) metadata.MD {
	md := metadata.Pairs("x-reply-status-code", strconv.FormatInt(statusCode, 10))
	for _, h := range headers {
		md.Append(strings.ToLower(h[0]), h[1])
	}
	return md
}
