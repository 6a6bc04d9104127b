package protocol

// RPC method names the gateway accepts.
const (
	MethodConnect = "connect"

	MethodJobAdd     = "job.add"
	MethodJobList    = "job.list"
	MethodJobGet     = "job.get"
	MethodJobUpdate  = "job.update"
	MethodJobDelete  = "job.delete"
	MethodJobEnable  = "job.enable"
	MethodJobDisable = "job.disable"
	MethodJobTrigger = "job.trigger"

	MethodRunsList = "runs.list"
	MethodRunsGet  = "runs.get"
	MethodRunsLast = "runs.last"

	MethodEngineStatus = "engine.status"
)

// Event names pushed from server to client.
const (
	// EventEngine wraps an engine lifecycle or job event.
	EventEngine = "engine.event"
)

// Error codes carried in ErrorShape.Code.
const (
	ErrInvalidRequest = "invalid_request"
	ErrUnauthorized   = "unauthorized"
	ErrNotFound       = "not_found"
	ErrDuplicate      = "duplicate"
	ErrInternal       = "internal"
)
