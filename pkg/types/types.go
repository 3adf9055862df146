package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// ReplicaState is the lifecycle state of a replica.
type ReplicaState string

const (
	StatePendingAllocation     ReplicaState = "PENDING_ALLOCATION"
	StatePendingInitialization ReplicaState = "PENDING_INITIALIZATION"
	StateHealthy               ReplicaState = "HEALTHY"
	StateReconfiguring         ReplicaState = "RECONFIGURING"
	StateDraining              ReplicaState = "DRAINING"
	StateTerminated            ReplicaState = "TERMINATED"
)

// ReplicaID identifies one replica of a deployment.
type ReplicaID struct {
	AppName        string `json:"app_name"`
	DeploymentName string `json:"deployment_name"`
	ReplicaTag     string `json:"replica_tag"`
}

func (id ReplicaID) String() string {
	if id.AppName == "" {
		return id.DeploymentName + "#" + id.ReplicaTag
	}
	return id.AppName + "_" + id.DeploymentName + "#" + id.ReplicaTag
}

// AutoscalingConfig holds the parameters the replica needs to feed the
// controller's autoscaler. Decisions are made elsewhere; the replica only
// pushes samples.
type AutoscalingConfig struct {
	// Interval between autoscaling samples pushed to the controller.
	MetricsInterval time.Duration `json:"metrics_interval" yaml:"metrics_interval" toml:"metrics_interval"`
	// Look-back window used when averaging ongoing-request samples.
	LookBackPeriod time.Duration `json:"look_back_period" yaml:"look_back_period" toml:"look_back_period"`
}

// LoggingConfig is the logging-specific portion of a deployment config.
// Changing it triggers a log sink reinitialization on reconfigure.
type LoggingConfig struct {
	Level         string `json:"level" yaml:"level" toml:"level"`
	EnableAccess  bool   `json:"enable_access_log" yaml:"enable_access_log" toml:"enable_access_log"`
	ConsoleWriter bool   `json:"console_writer" yaml:"console_writer" toml:"console_writer"`
}

// DeploymentConfig is an immutable value describing how a replica runs its
// handler. It is replaced wholesale on reconfigure, never mutated in place.
type DeploymentConfig struct {
	// Opaque user-visible config handed to the handler's Reconfigure method.
	UserConfig map[string]any `json:"user_config" yaml:"user_config" toml:"user_config"`
	// Grace period slept between drain-loop samples during shutdown.
	GracefulShutdownWait time.Duration `json:"graceful_shutdown_wait" yaml:"graceful_shutdown_wait" toml:"graceful_shutdown_wait"`
	// Advisory concurrency limit advertised to the router.
	MaxOngoingRequests int                `json:"max_ongoing_requests" yaml:"max_ongoing_requests" toml:"max_ongoing_requests"`
	Autoscaling        *AutoscalingConfig `json:"autoscaling,omitempty" yaml:"autoscaling" toml:"autoscaling"`
	Logging            LoggingConfig      `json:"logging" yaml:"logging" toml:"logging"`
}

// UserConfigEqual reports whether the user-visible portion of two configs is
// the same. Only this portion gates the handler-level reconfigure call.
func (c DeploymentConfig) UserConfigEqual(other DeploymentConfig) bool {
	return stableJSON(c.UserConfig) == stableJSON(other.UserConfig)
}

// LoggingEqual reports whether the logging-specific portion matches.
func (c DeploymentConfig) LoggingEqual(other DeploymentConfig) bool {
	return c.Logging == other.Logging
}

// DeploymentVersion pairs a code version with a hash of the user-visible
// config so the controller can detect stale replicas after a reconfigure.
type DeploymentVersion struct {
	CodeVersion string `json:"code_version"`
	ConfigHash  string `json:"config_hash"`
}

// NextVersion derives the version advertised after applying cfg on top of
// the previous version. The code version is carried forward unchanged.
func NextVersion(prev DeploymentVersion, cfg DeploymentConfig) DeploymentVersion {
	return DeploymentVersion{
		CodeVersion: prev.CodeVersion,
		ConfigHash:  HashUserConfig(cfg.UserConfig),
	}
}

// HashUserConfig returns a stable hash of a user config map.
func HashUserConfig(userConfig map[string]any) string {
	sum := sha256.Sum256([]byte(stableJSON(userConfig)))
	return hex.EncodeToString(sum[:8])
}

// stableJSON renders v with deterministic key order so hashes and equality
// checks do not depend on map iteration.
func stableJSON(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(m[k])
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return string(append(buf, '}'))
}

// GRPCContext carries protocol-level metadata for calls that arrived over a
// gRPC transport. The transport itself lives outside this engine; dispatch
// only threads the context through and pairs it with serialized results.
type GRPCContext struct {
	ServiceMethod string            `json:"service_method"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// RequestMetadata travels with a call end-to-end. Immutable.
type RequestMetadata struct {
	RequestID          string       `json:"request_id"`
	Route              string       `json:"route"`
	CallMethod         string       `json:"call_method"`
	IsHTTP             bool         `json:"is_http,omitempty"`
	IsStreaming        bool         `json:"is_streaming,omitempty"`
	IsGRPC             bool         `json:"is_grpc,omitempty"`
	MultiplexedModelID string       `json:"multiplexed_model_id,omitempty"`
	GRPCContext        *GRPCContext `json:"grpc_context,omitempty"`
}

// QueueDepth is the replica's current request-queue snapshot.
type QueueDepth struct {
	// Requests accepted but not yet executing user code.
	// example: 2
	Pending int `json:"pending" example:"2"`
	// Requests currently executing user code.
	// example: 1
	Running int `json:"running" example:"1"`
}

// Total is pending plus running.
func (q QueueDepth) Total() int { return q.Pending + q.Running }

// ReplicaInfo is the identity payload returned by the allocation probe.
type ReplicaInfo struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartTime time.Time `json:"start_time"`
	LogPath   string    `json:"log_path,omitempty"`
}
