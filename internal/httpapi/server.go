package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"replicad/internal/bridge"
	"replicad/internal/host"
	"replicad/pkg/types"
)

// Service defines the methods required by the HTTP API layer. Implemented by
// *replica.Replica.
type Service interface {
	HandleUnary(ctx context.Context, md types.RequestMetadata, call *host.Call) (any, error)
	HandleStreaming(ctx context.Context, md types.RequestMetadata, call *host.Call, yield func(any) error) error
	HandleHTTP(ctx context.Context, md types.RequestMetadata, scope bridge.Scope, body io.Reader, emit bridge.EmitFunc) error
	IsAllocated() types.ReplicaInfo
	InitializeAndGetMetadata(ctx context.Context, cfg *types.DeploymentConfig) (types.DeploymentConfig, types.DeploymentVersion, error)
	Reconfigure(ctx context.Context, cfg types.DeploymentConfig) (types.DeploymentConfig, types.DeploymentVersion, error)
	CheckHealth(ctx context.Context) error
	DrainAndTerminate(ctx context.Context) error
	QueueDepth() types.QueueDepth
	Status() types.StatusResponse
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(MetricsMiddleware)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/allocated", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.IsAllocated())
	})

	r.Post("/initialize", func(w http.ResponseWriter, r *http.Request) {
		cfg, ok := decodeDeploymentConfig(w, r, true)
		if !ok {
			return
		}
		joined, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		appliedCfg, version, err := svc.InitializeAndGetMetadata(joined, cfg)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, types.ReconfigureResponse{Config: appliedCfg, Version: version})
	})

	r.Post("/reconfigure", func(w http.ResponseWriter, r *http.Request) {
		cfg, ok := decodeDeploymentConfig(w, r, false)
		if !ok {
			return
		}
		joined, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		appliedCfg, version, err := svc.Reconfigure(joined, *cfg)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, types.ReconfigureResponse{Config: appliedCfg, Version: version})
	})

	r.Post("/call/{method}", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeCallRequest(w, r)
		if !ok {
			return
		}
		md := requestMetadata(r, chi.URLParam(r, "method"), req)
		joined, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		result, err := svc.HandleUnary(joined, md, &host.Call{Args: req.Args})
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, types.CallResponse{Result: result, RequestID: md.RequestID})
	})

	r.Post("/stream/{method}", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeCallRequest(w, r)
		if !ok {
			return
		}
		md := requestMetadata(r, chi.URLParam(r, "method"), req)
		md.IsStreaming = true

		w.Header().Set("Content-Type", "application/x-ndjson")
		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}
		enc := json.NewEncoder(w)
		wrote := false
		yield := func(v any) error {
			wrote = true
			if err := enc.Encode(v); err != nil {
				return err
			}
			if flush != nil {
				flush()
			}
			return nil
		}

		joined, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if err := svc.HandleStreaming(joined, md, &host.Call{Args: req.Args}, yield); err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			if wrote {
				// Headers are gone; report the failure in-band as a final line.
				_ = enc.Encode(types.ErrorResponse{Error: err.Error(), Code: statusForError(err)})
				return
			}
			writeMappedError(w, r, err)
		}
	})

	// Terminates the message protocol locally: the handler's response
	// messages are written straight back as the HTTP response.
	r.Handle("/app/{method}", appHandler(svc, false))
	// Proxy-facing variant: emits the raw encoded message batches so a
	// remote proxy can replay them to its own client.
	r.Handle("/bridge/{method}", appHandler(svc, true))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.CheckHealth(r.Context()); err != nil {
			writeMappedError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	// Must stay servable while user code is busy; QueueDepth only reads
	// counters.
	r.Get("/queue", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.QueueDepth())
	})

	r.Post("/drain", func(w http.ResponseWriter, r *http.Request) {
		joined, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if err := svc.DrainAndTerminate(joined); err != nil {
			writeMappedError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("terminated"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

// appHandler routes an HTTP exchange through the streaming response bridge.
// With encodeBatches set, each drained batch is written in the compact
// binary framing instead of being unpacked into a local response.
func appHandler(svc Service, encodeBatches bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		method := chi.URLParam(r, "method")
		md := requestMetadata(r, method, nil)

		scope := bridge.Scope{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
		}
		for name, vals := range r.Header {
			for _, v := range vals {
				scope.Headers = append(scope.Headers, bridge.Header{Name: strings.ToLower(name), Value: v})
			}
		}

		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}

		var emit bridge.EmitFunc
		if encodeBatches {
			w.Header().Set("Content-Type", "application/octet-stream")
			emit = func(batch []bridge.Message) error {
				if _, err := w.Write(bridge.EncodeBatch(batch)); err != nil {
					return err
				}
				if flush != nil {
					flush()
				}
				return nil
			}
		} else {
			started := false
			emit = func(batch []bridge.Message) error {
				for _, m := range batch {
					switch m.Type {
					case bridge.MessageResponseStart:
						if started {
							continue
						}
						started = true
						for _, h := range m.Headers {
							w.Header().Add(h.Name, h.Value)
						}
						w.WriteHeader(m.Status)
					case bridge.MessageResponseBody:
						if _, err := w.Write(m.Body); err != nil {
							return err
						}
						if flush != nil {
							flush()
						}
					}
				}
				return nil
			}
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		joined, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if err := svc.HandleHTTP(joined, md, scope, r.Body, emit); err != nil {
			// A user-code failure already produced a synthesized 500 via
			// the bridge; only pre-dispatch failures get a fresh response.
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			if host.IsMethodNotFound(err) || host.IsUsageError(err) {
				writeMappedError(w, r, err)
			}
		}
	}
}

// requestMetadata assembles the immutable per-call metadata.
func requestMetadata(r *http.Request, method string, req *types.CallRequest) types.RequestMetadata {
	md := types.RequestMetadata{
		RequestID:  middleware.GetReqID(r.Context()),
		Route:      routePatternOrPath(r),
		CallMethod: method,
	}
	if v := r.Header.Get("X-Multiplexed-Model-Id"); v != "" {
		md.MultiplexedModelID = v
	}
	if req != nil && req.MultiplexedModelID != "" {
		md.MultiplexedModelID = req.MultiplexedModelID
	}
	return md
}

func decodeCallRequest(w http.ResponseWriter, r *http.Request) (*types.CallRequest, bool) {
	var req types.CallRequest
	if r.ContentLength == 0 {
		return &req, true
	}
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	return &req, true
}

// decodeDeploymentConfig reads an optional (initialize) or required
// (reconfigure) deployment config body.
func decodeDeploymentConfig(w http.ResponseWriter, r *http.Request, optional bool) (*types.DeploymentConfig, bool) {
	if r.ContentLength == 0 {
		if optional {
			return nil, true
		}
		writeJSONError(w, http.StatusBadRequest, "deployment config body is required")
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var cfg types.DeploymentConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	return &cfg, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && zlog != nil {
		zlog.Error().Err(err).Msg("failed to encode response")
	}
}
