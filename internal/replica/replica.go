// Package replica is the entry surface for inbound calls to one replica. It
// sequences startup (allocate, initialize, health-check) and shutdown
// (drain, destruct), wraps every dispatch in a bookkeeping envelope, and
// owns the lifecycle state machine.
package replica

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"replicad/internal/bridge"
	"replicad/internal/host"
	"replicad/internal/metrics"
	"replicad/internal/serde"
	"replicad/pkg/types"
)

// Options bundles everything needed to construct a Replica.
type Options struct {
	ID         types.ReplicaID
	Definition any // host.HandlerFunc or host.Constructor
	InitArgs   []any
	Deployment types.DeploymentConfig
	// Code version advertised in deployment metadata.
	CodeVersion string
	// Controller receiving autoscaling samples; may be nil.
	Controller metrics.ControllerClient
	Serializer serde.Serializer
	Logger     zerolog.Logger
	// Log file path reported by the allocation probe.
	LogPath string
}

// metricsManager is the slice of *metrics.Manager the replica depends on.
type metricsManager interface {
	metrics.Recorder
	Start()
	Shutdown()
	SetAutoscalingConfig(cfg *types.AutoscalingConfig)
}

// Replica hosts one deployment handler.
type Replica struct {
	id        types.ReplicaID
	log       zerolog.Logger
	logPath   string
	startTime time.Time

	host    *host.UserCallableHost
	metrics metricsManager

	// Guards config, version, state, and the derived logger.
	mu        sync.Mutex
	config    types.DeploymentConfig
	version   types.DeploymentVersion
	state     types.ReplicaState
	accessLog zerolog.Logger

	// Guards against running handler initialization more than once when the
	// controller retries the startup call.
	initMu      sync.Mutex
	initialized bool
}

// New validates the handler definition and builds the replica in
// PENDING_ALLOCATION state. The handler itself is not constructed until
// InitializeAndGetMetadata.
func New(opts Options) (*Replica, error) {
	h, err := host.New(opts.Definition, opts.InitArgs)
	if err != nil {
		return nil, err
	}
	log := opts.Logger.With().
		Str("deployment", opts.ID.DeploymentName).
		Str("replica", opts.ID.ReplicaTag).
		Logger()
	h.SetLogger(log)
	if opts.Serializer != nil {
		h.SetSerializer(opts.Serializer)
	}

	r := &Replica{
		id:        opts.ID,
		log:       log,
		logPath:   opts.LogPath,
		startTime: time.Now(),
		host:      h,
		config:    opts.Deployment,
		version: types.DeploymentVersion{
			CodeVersion: opts.CodeVersion,
			ConfigHash:  types.HashUserConfig(opts.Deployment.UserConfig),
		},
		state: types.StatePendingAllocation,
	}
	r.accessLog = r.log
	r.applyLogging(opts.Deployment.Logging)
	r.metrics = metrics.NewManager(opts.ID, opts.Controller, opts.Deployment.Autoscaling, log)
	h.SetRecorder(r.metrics)
	r.metrics.Start()
	return r, nil
}

// ID returns the replica identity.
func (r *Replica) ID() types.ReplicaID { return r.id }

// State returns the current lifecycle state.
func (r *Replica) State() types.ReplicaState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Replica) setState(s types.ReplicaState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Replica) accessLogger() *zerolog.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &r.accessLog
}

// applyLogging reinitializes the derived log sinks from a logging config.
func (r *Replica) applyLogging(cfg types.LoggingConfig) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}
	r.mu.Lock()
	r.log = r.log.Level(level)
	if cfg.EnableAccess {
		r.accessLog = r.log
	} else {
		r.accessLog = zerolog.Nop()
	}
	r.mu.Unlock()
}

// IsAllocated is the allocation probe: it completes as soon as the replica
// process is running and returns its identity info. A successful probe moves
// the replica out of PENDING_ALLOCATION.
func (r *Replica) IsAllocated() types.ReplicaInfo {
	r.mu.Lock()
	if r.state == types.StatePendingAllocation {
		r.state = types.StatePendingInitialization
	}
	r.mu.Unlock()

	hostname, _ := os.Hostname()
	return types.ReplicaInfo{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartTime: r.startTime,
		LogPath:   r.logPath,
	}
}

// InitializeAndGetMetadata constructs the handler (exactly once, however
// many times the controller calls this), optionally applies an initial
// reconfigure, and runs one health check before declaring success. Any
// failure is fatal to the attempt and reported as an InitializationError.
func (r *Replica) InitializeAndGetMetadata(ctx context.Context, cfg *types.DeploymentConfig) (types.DeploymentConfig, types.DeploymentVersion, error) {
	fail := func(err error) (types.DeploymentConfig, types.DeploymentVersion, error) {
		if !host.IsInitializationError(err) {
			err = &host.InitializationError{Err: err}
		}
		return types.DeploymentConfig{}, types.DeploymentVersion{}, err
	}

	r.initMu.Lock()
	if !r.initialized {
		if err := r.host.InitializeCallable(ctx); err != nil {
			r.initMu.Unlock()
			return fail(err)
		}
		r.initialized = true
	}
	if cfg != nil {
		if err := r.host.CallReconfigure(ctx, cfg.UserConfig); err != nil {
			r.initMu.Unlock()
			return fail(err)
		}
		r.storeConfig(*cfg)
	}
	r.initMu.Unlock()

	// A new replica is not healthy until it passes an initial health check.
	if err := r.CheckHealth(ctx); err != nil {
		return fail(err)
	}
	r.setState(types.StateHealthy)
	cur, ver := r.Metadata()
	return cur, ver, nil
}

// Initialized reports whether the handler was ever constructed.
func (r *Replica) Initialized() bool {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	return r.initialized
}

// Reconfigure applies a new deployment config. The handler-level reconfigure
// runs only when the user-visible portion changed; stored config and version
// advance only after that call succeeds, so a failed reconfigure leaves the
// advertised metadata truthful. Autoscaling parameters and log sinks follow
// the applied config.
func (r *Replica) Reconfigure(ctx context.Context, cfg types.DeploymentConfig) (types.DeploymentConfig, types.DeploymentVersion, error) {
	r.mu.Lock()
	prev := r.config
	prevState := r.state
	r.state = types.StateReconfiguring
	r.mu.Unlock()

	if !prev.UserConfigEqual(cfg) {
		if err := r.host.CallReconfigure(ctx, cfg.UserConfig); err != nil {
			r.setState(prevState)
			return types.DeploymentConfig{}, types.DeploymentVersion{}, err
		}
	}

	r.storeConfig(cfg)
	r.metrics.SetAutoscalingConfig(cfg.Autoscaling)
	if !prev.LoggingEqual(cfg) {
		r.applyLogging(cfg.Logging)
	}
	r.setState(types.StateHealthy)
	newCfg, newVersion := r.Metadata()
	return newCfg, newVersion, nil
}

func (r *Replica) storeConfig(cfg types.DeploymentConfig) {
	r.mu.Lock()
	r.config = cfg
	r.version = types.NextVersion(r.version, cfg)
	r.mu.Unlock()
}

// Metadata returns the current config and version.
func (r *Replica) Metadata() (types.DeploymentConfig, types.DeploymentVersion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config, r.version
}

// CheckHealth invokes the handler's health check.
func (r *Replica) CheckHealth(ctx context.Context) error {
	return r.host.CallHealthCheck(ctx)
}

// QueueDepth reports pending and running request counts. It reads atomics
// only, so it stays servable while user code is busy.
func (r *Replica) QueueDepth() types.QueueDepth {
	return r.metrics.QueueDepth()
}

// Status summarizes the replica for the status endpoint.
func (r *Replica) Status() types.StatusResponse {
	r.mu.Lock()
	state := r.state
	version := r.version
	r.mu.Unlock()
	return types.StatusResponse{
		State:         state,
		Replica:       r.id,
		Queue:         r.metrics.QueueDepth(),
		Version:       version,
		UptimeSeconds: int64(time.Since(r.startTime).Seconds()),
	}
}

// HandleUnary is the entrypoint for non-streaming calls.
func (r *Replica) HandleUnary(ctx context.Context, md types.RequestMetadata, call *host.Call) (any, error) {
	var result any
	err := r.wrapUserCall(ctx, &md, func(ctx context.Context) error {
		var derr error
		result, derr = r.host.DispatchUnary(ctx, md, call)
		return derr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HandleStreaming is the entrypoint for streaming (non-HTTP) calls. yield is
// invoked once per produced element.
func (r *Replica) HandleStreaming(ctx context.Context, md types.RequestMetadata, call *host.Call, yield func(any) error) error {
	md.IsStreaming = true
	return r.wrapUserCall(ctx, &md, func(ctx context.Context) error {
		return r.host.DispatchStreaming(ctx, md, call, yield)
	})
}

// HandleHTTP is the entrypoint for HTTP calls: it runs the user call through
// the streaming response bridge, emitting outbound message batches as they
// accumulate.
func (r *Replica) HandleHTTP(ctx context.Context, md types.RequestMetadata, scope bridge.Scope, body io.Reader, emit bridge.EmitFunc) error {
	md.IsHTTP = true
	md.IsStreaming = true
	return r.wrapUserCall(ctx, &md, func(ctx context.Context) error {
		dispatch := func(ctx context.Context, scope bridge.Scope, recv *bridge.Receiver, send bridge.Sender) error {
			call := &host.Call{HTTP: &host.HTTPCall{Scope: scope, Receive: recv, Send: send}}
			_, err := r.host.DispatchUnary(ctx, md, call)
			return err
		}
		return bridge.Run(ctx, scope, body, dispatch, emit)
	})
}

// DrainAndTerminate performs the drain-then-destruct shutdown sequence. A
// replica that never initialized skips draining. The drain loop sleeps one
// grace period, samples pending+running, and repeats until it observes zero;
// it has no internal bound by contract — force-termination beyond the grace
// cycles is the orchestrator's concern.
func (r *Replica) DrainAndTerminate(ctx context.Context) error {
	r.mu.Lock()
	if r.state == types.StateTerminated {
		r.mu.Unlock()
		return nil
	}
	r.state = types.StateDraining
	grace := r.config.GracefulShutdownWait
	// Snapshot the logger: a concurrent reconfigure can swap r.log under
	// r.mu while the drain loop is logging.
	log := r.log
	r.mu.Unlock()
	if grace <= 0 {
		grace = time.Second
	}

	if r.Initialized() {
		if err := r.drainOngoingRequests(ctx, grace, log); err != nil {
			return err
		}
		_ = r.host.CallDestructor(ctx)
	}

	r.metrics.Shutdown()
	r.setState(types.StateTerminated)
	log.Info().Msg("graceful shutdown complete; replica exiting")
	return nil
}

// drainOngoingRequests sleeps for the grace period before each sample so the
// routers' notification to stop sending traffic can propagate first.
func (r *Replica) drainOngoingRequests(ctx context.Context, grace time.Duration, log zerolog.Logger) error {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
		ongoing := r.metrics.QueueDepth().Total()
		if ongoing == 0 {
			return nil
		}
		log.Info().Int("ongoing_requests", ongoing).Dur("wait", grace).
			Msg("waiting for ongoing requests before shutting down")
		timer.Reset(grace)
	}
}
