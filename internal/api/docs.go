package api

// @title qstream API
// @version 1.0
// @description WebSocket topic subscriptions with shared upstream producers.

// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

// @tag.name Stream
// @tag.description Stream routes, live topics and the WebSocket endpoint

import (
	"encoding/json"
	"sync/atomic"

	"github.com/swaggo/swag"

	"qstream/internal/stream"
)

// SwaggerInstance is the swag registry name of the served document.
const SwaggerInstance = "qstream"

// routeLister is the part of stream.Service the document is built from.
type routeLister interface {
	Routes() []stream.RouteSpec
}

// swaggerDoc renders the swagger document on demand so that it always
// reflects the routes registered on the current service.
type swaggerDoc struct {
	version atomic.Value // string
	wsPath  atomic.Value // string
	routes  atomic.Pointer[routeLister]
}

var apiDoc = &swaggerDoc{}

func init() {
	swag.Register(SwaggerInstance, apiDoc)
}

func (d *swaggerDoc) bind(routes routeLister, version, wsPath string) {
	d.routes.Store(&routes)
	d.version.Store(version)
	d.wsPath.Store(wsPath)
}

// ReadDoc implements swag.Swagger.
func (d *swaggerDoc) ReadDoc() string {
	raw, err := json.Marshal(d.build())
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func (d *swaggerDoc) build() map[string]any {
	version, _ := d.version.Load().(string)
	wsPath, _ := d.wsPath.Load().(string)
	if wsPath == "" {
		wsPath = "/ws"
	}

	var specs []stream.RouteSpec
	if p := d.routes.Load(); p != nil && *p != nil {
		specs = (*p).Routes()
	}

	definitions := map[string]any{}
	for _, rs := range specs {
		props := map[string]any{}
		for _, f := range rs.Payload {
			prop := map[string]any{"type": f.Type}
			if f.Format != "" {
				prop["format"] = f.Format
			}
			props[f.Name] = prop
		}
		definitions[rs.Name+".update"] = map[string]any{"type": "object", "properties": props}
	}

	get := func(summary string, secured bool) map[string]any {
		op := map[string]any{
			"summary":   summary,
			"tags":      []string{"Stream"},
			"produces":  []string{"application/json"},
			"responses": map[string]any{"200": map[string]any{"description": "OK"}},
		}
		if secured {
			op["security"] = []map[string][]string{{"BearerAuth": {}}}
		}
		return map[string]any{"get": op}
	}

	return map[string]any{
		"swagger": "2.0",
		"info": map[string]any{
			"title":       "qstream API",
			"description": "WebSocket topic subscriptions with shared upstream producers.",
			"version":     version,
		},
		"basePath": "/",
		"securityDefinitions": map[string]any{
			"BearerAuth": map[string]any{"type": "apiKey", "in": "header", "name": "Authorization"},
		},
		"paths": map[string]any{
			"/health":               get("Service health", false),
			"/api/v1/stream/routes": get("Registered stream routes", false),
			"/api/v1/stream/topics": get("Live topics", true),
			wsPath:                  get("WebSocket stream endpoint (subprotocols qstream.v1.json, qstream.v1.cbor)", false),
		},
		"definitions":     definitions,
		"x-stream-routes": specs,
	}
}
