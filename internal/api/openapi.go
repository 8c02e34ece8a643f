package api

import (
	"net/http"
	"sort"
)

type route struct {
	method  string
	path    string
	summary string
	codes   []string
	auth    bool
}

var routes = []route{
	{http.MethodGet, "/healthz", "Service liveness and unit counts", []string{"200", "503"}, false},
	{http.MethodGet, "/pools", "Every pool with its units", []string{"200", "401", "403"}, true},
	{http.MethodGet, "/pools/{group}", "One pool or sub-pool by group name", []string{"200", "401", "403", "404"}, true},
	{http.MethodPost, "/queues/{queue}", "Publish a task to a queue", []string{"202", "400", "401", "403", "502"}, true},
	{http.MethodGet, "/tasks", "Recently resolved tasks from the journal", []string{"200", "400", "401", "404"}, true},
	{http.MethodGet, "/events", "Server-sent engine events, filtered by ?type= and ?group=", []string{"200", "401", "403"}, true},
	{http.MethodGet, "/metrics", "Prometheus metrics", []string{"200", "401", "403"}, true},
	{http.MethodGet, "/openapi.json", "This document", []string{"200", "401", "403"}, true},
}

var codeText = map[string]string{
	"200": "OK",
	"202": "Accepted",
	"400": "Bad request",
	"401": "Missing or invalid API key",
	"403": "Token lacks the required scope",
	"404": "Not found",
	"502": "Broker rejected the message",
	"503": "Service not running",
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the status API.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, rt := range routes {
		responses := map[string]any{}
		for _, c := range rt.codes {
			responses[c] = map[string]any{"description": codeText[c]}
		}
		op := map[string]any{
			"summary":   rt.summary,
			"responses": responses,
		}
		if rt.auth {
			op["security"] = []any{map[string]any{"BearerAuth": []string{}}}
		}

		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[httpMethodKey(rt.method)] = op
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "procpool",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func httpMethodKey(m string) string {
	switch m {
	case http.MethodPost:
		return "post"
	default:
		return "get"
	}
}

// routePaths lists documented paths in order, for tests and CLI help.
func routePaths() []string {
	out := make([]string, 0, len(routes))
	for _, rt := range routes {
		out = append(out, rt.method+" "+rt.path)
	}
	sort.Strings(out)
	return out
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
