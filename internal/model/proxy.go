// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest is an inbound client request, read-only to the engine.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Host          string // inbound Host header; may carry a port
	Path          string
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyResponse is a response from the origin, or the transformed response
// about to be streamed back to the client.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// LogRecord carries the proxy-specific fields of the per-request log line.
// The handler fills it in and the request logger emits it.
type LogRecord struct {
	Route      string
	Target     string
	Challenged bool
	Cookies    int
}

// LogRecordKey is the echo context key under which the handler stores the
// *LogRecord for the current request.
const LogRecordKey = "proxy.log_record"
