// Package httpapi adapts the HTTP "well-known" endpoints spec.md §6 names
// onto the message-driven handlers in the handler package. It is a thin
// transport layer: it owns no durable state of its own, decoding requests
// and forwarding to handler, health, and client collaborators the host
// process (cmd/workflowd) wires up.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/flowlayer/workflow/handler"
	"github.com/flowlayer/workflow/internal/manifest"
	"github.com/flowlayer/workflow/queue"
	"github.com/flowlayer/workflow/telemetry"
)

const basePath = "/.well-known/workflow/v1"

// Server mounts spec.md §6's HTTP surface onto a *http.ServeMux. Unlike the
// teacher's generated goahttp server, routing here is plain stdlib: none of
// these endpoints need content negotiation, versioned mounts, or anything
// else a generated muxer buys — a handful of fixed paths dispatched by
// method is the whole surface.
type Server struct {
	// WorkflowHandler and StepHandler process deliveries arriving over
	// HTTP instead of a native queue subscription, when the "world"
	// backend is HTTP-based (spec.md §4.B: any backend is valid as long
	// as it honors the Queue contract; an HTTP push is one such backend,
	// and POST flow/step are where it hands deliveries to us).
	WorkflowHandler queue.Handler
	StepHandler     queue.Handler

	// Webhook delivers direct, non-queue-mediated hook payloads (spec.md
	// §6 "POST .../webhook/<token>").
	Webhook *handler.Webhook

	// Manifest is served at GET manifest.json unless PublicManifest
	// overrides it verbatim.
	Manifest       *manifest.Manifest
	PublicManifest []byte

	Logger telemetry.Logger
}

func (s *Server) logger() telemetry.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return telemetry.NewNoopLogger()
}

// Mount registers every endpoint onto mux.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.HandleFunc(basePath+"/flow", s.handleDelivery(s.WorkflowHandler))
	mux.HandleFunc(basePath+"/step", s.handleDelivery(s.StepHandler))
	mux.HandleFunc(basePath+"/manifest.json", s.handleManifest)
	mux.HandleFunc(basePath+"/webhook/", s.handleWebhook)
}

// delivery is the wire envelope carrying one queue.Message over HTTP.
type delivery struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
}

// deliveryResult answers a delivery: an absent timeoutSeconds acknowledges
// the message as handled, matching spec.md §4.B's "{ timeoutSeconds }"
// redelivery-request contract.
type deliveryResult struct {
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// handleDelivery adapts one of the queue-native handlers (Workflow or Step)
// onto an HTTP POST. The "?__health" query parameter is a distinct,
// HTTP-level liveness probe (spec.md §6) — separate from the queue-borne
// "{__health: {correlationId}}" ping the handler package already answers
// over a stream — so it is intercepted here before any delivery decoding.
func (s *Server) handleDelivery(next queue.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if _, ok := r.URL.Query()["__health"]; ok {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "ok")
			return
		}
		if next == nil {
			http.Error(w, "no handler configured", http.StatusServiceUnavailable)
			return
		}

		var d delivery
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			http.Error(w, "malformed delivery body", http.StatusBadRequest)
			return
		}
		if d.Attempt < 1 {
			d.Attempt = 1
		}

		redelivery, err := next(r.Context(), queue.Message{
			Topic:   r.URL.Path,
			Key:     d.Key,
			Payload: d.Payload,
			Attempt: d.Attempt,
		})
		if err != nil {
			s.logger().Error(r.Context(), "httpapi: delivery failed", "path", r.URL.Path, "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		result := deliveryResult{}
		if redelivery != nil {
			result.TimeoutSeconds = int(redelivery.After.Seconds())
			if result.TimeoutSeconds < 1 {
				result.TimeoutSeconds = 1
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if len(s.PublicManifest) > 0 {
		w.Write(s.PublicManifest)
		return
	}
	if s.Manifest == nil {
		http.Error(w, "no manifest loaded", http.StatusNotFound)
		return
	}
	if err := json.NewEncoder(w).Encode(s.Manifest); err != nil {
		s.logger().Error(r.Context(), "httpapi: encode manifest", "err", err)
	}
}

// handleWebhook implements direct hook delivery. The token is the final
// path segment, percent-decoded (spec.md §6:
// "webhook/<urlencoded-token>"). The request body is the hook message
// itself; "done" may be carried either as a top-level JSON field or, for
// senders that cannot shape their own body, as a "?done=true" query
// parameter — either is accepted so integrations with no control over
// their payload shape can still signal completion.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token, err := tokenFromPath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	body, err := readJSON(r)
	if err != nil {
		http.Error(w, "malformed webhook body", http.StatusBadRequest)
		return
	}

	done := r.URL.Query().Get("done") == "true"
	if m, ok := body.(map[string]any); ok {
		if v, ok := m["done"].(bool); ok {
			done = done || v
		}
	}

	if err := s.Webhook.Deliver(r.Context(), token, body, done); err != nil {
		s.logger().Error(r.Context(), "httpapi: webhook delivery failed", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func tokenFromPath(path string) (string, error) {
	prefix := basePath + "/webhook/"
	if !strings.HasPrefix(path, prefix) {
		return "", fmt.Errorf("httpapi: unexpected webhook path %q", path)
	}
	encoded := strings.TrimPrefix(path, prefix)
	if encoded == "" {
		return "", fmt.Errorf("httpapi: missing webhook token")
	}
	token, err := url.PathUnescape(encoded)
	if err != nil {
		return "", fmt.Errorf("httpapi: invalid webhook token encoding: %w", err)
	}
	return token, nil
}

func readJSON(r *http.Request) (any, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	var v any
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
