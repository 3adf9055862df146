package types

// CallRequest is the JSON body accepted by POST /call/{method} and
// POST /stream/{method}.
type CallRequest struct {
	// Positional arguments passed to the handler method.
	// example: ["Alice"]
	Args []any `json:"args,omitempty"`
	// Optional multiplexed model id selecting a logical model on this replica.
	// example: model-a
	MultiplexedModelID string `json:"multiplexed_model_id,omitempty" example:"model-a"`
}

// CallResponse wraps a unary dispatch result.
type CallResponse struct {
	// Result value returned by the handler method.
	Result any `json:"result"`
	// Request id assigned to (or propagated through) the call.
	// example: 9f4c7d1a-77aa-4a3e-8f2b-1c7e9b0d2f11
	RequestID string `json:"request_id" example:"9f4c7d1a-77aa-4a3e-8f2b-1c7e9b0d2f11"`
}

// ReconfigureResponse is returned by initialize/reconfigure operations.
type ReconfigureResponse struct {
	Config  DeploymentConfig  `json:"config"`
	Version DeploymentVersion `json:"version"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Current lifecycle state of the replica.
	// example: HEALTHY
	State ReplicaState `json:"state" example:"HEALTHY"`
	// Replica identity.
	Replica ReplicaID `json:"replica"`
	// Current request-queue depth.
	Queue QueueDepth `json:"queue"`
	// Version derived from the current deployment config.
	Version DeploymentVersion `json:"version"`
	// Uptime of the replica in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: method not found: Greet
	Error string `json:"error" example:"method not found: Greet"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}
