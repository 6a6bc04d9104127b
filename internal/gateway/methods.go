package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/chronod/chronod/internal/cronexpr"
	"github.com/chronod/chronod/internal/engine"
	"github.com/chronod/chronod/internal/store"
	"github.com/chronod/chronod/pkg/protocol"
)

type methodHandler func(client *Client, req *protocol.RequestFrame)

type methodRouter struct {
	handlers map[string]methodHandler
	server   *Server
}

func newMethodRouter(server *Server) *methodRouter {
	r := &methodRouter{
		handlers: make(map[string]methodHandler),
		server:   server,
	}
	r.handlers[protocol.MethodConnect] = r.handleConnect
	r.handlers[protocol.MethodJobAdd] = r.handleJobAdd
	r.handlers[protocol.MethodJobList] = r.handleJobList
	r.handlers[protocol.MethodJobGet] = r.handleJobGet
	r.handlers[protocol.MethodJobUpdate] = r.handleJobUpdate
	r.handlers[protocol.MethodJobDelete] = r.handleJobDelete
	r.handlers[protocol.MethodJobEnable] = r.handleJobEnable
	r.handlers[protocol.MethodJobDisable] = r.handleJobDisable
	r.handlers[protocol.MethodJobTrigger] = r.handleJobTrigger
	r.handlers[protocol.MethodRunsList] = r.handleRunsList
	r.handlers[protocol.MethodRunsGet] = r.handleRunsGet
	r.handlers[protocol.MethodRunsLast] = r.handleRunsLast
	r.handlers[protocol.MethodEngineStatus] = r.handleEngineStatus
	return r
}

// Handle dispatches a request to its method handler.
func (r *methodRouter) Handle(client *Client, req *protocol.RequestFrame) {
	handler, ok := r.handlers[req.Method]
	if !ok {
		r.server.logger.Warn("unknown method", "method", req.Method, "client", client.id)
		client.sendError(req.ID, protocol.ErrInvalidRequest, "unknown method: "+req.Method)
		return
	}
	r.server.logger.Debug("handling method", "method", req.Method, "client", client.id, "req_id", req.ID)
	handler(client, req)
}

// sendOperationError maps domain errors onto protocol error codes.
func sendOperationError(client *Client, reqID string, err error) {
	var invalid *cronexpr.InvalidCronError
	switch {
	case errors.As(err, &invalid):
		client.sendError(reqID, protocol.ErrInvalidRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		client.sendError(reqID, protocol.ErrNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicateName):
		client.sendError(reqID, protocol.ErrDuplicate, err.Error())
	case errors.Is(err, engine.ErrNotRunning):
		client.sendError(reqID, protocol.ErrInternal, err.Error())
	default:
		client.sendError(reqID, protocol.ErrInternal, err.Error())
	}
}

func parseParams(client *Client, req *protocol.RequestFrame, dst interface{}) bool {
	if req.Params == nil {
		return true
	}
	if err := json.Unmarshal(req.Params, dst); err != nil {
		client.sendError(req.ID, protocol.ErrInvalidRequest, "malformed params: "+err.Error())
		return false
	}
	return true
}

// --- handlers ---

func (r *methodRouter) handleConnect(client *Client, req *protocol.RequestFrame) {
	var params struct {
		Token string `json:"token"`
	}
	if !parseParams(client, req, &params) {
		return
	}
	if r.server.token != "" && params.Token != r.server.token {
		client.sendError(req.ID, protocol.ErrUnauthorized, "invalid token")
		return
	}
	client.authenticated = true
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
		"server": map[string]interface{}{
			"name":    serverName,
			"version": serverVersion,
		},
	}))
}

func (r *methodRouter) handleJobAdd(client *Client, req *protocol.RequestFrame) {
	var params struct {
		Name           string   `json:"name"`
		Cron           string   `json:"cron"`
		Command        string   `json:"command"`
		WorkingDir     string   `json:"working_dir"`
		TimeoutSeconds int      `json:"timeout_seconds"`
		Tags           []string `json:"tags"`
		Enabled        *bool    `json:"enabled"`
	}
	if !parseParams(client, req, &params) {
		return
	}
	enabled := true
	if params.Enabled != nil {
		enabled = *params.Enabled
	}
	job, err := r.server.engine.AddJob(store.Job{
		Name:           params.Name,
		Cron:           params.Cron,
		Command:        params.Command,
		WorkingDir:     params.WorkingDir,
		TimeoutSeconds: params.TimeoutSeconds,
		Tags:           params.Tags,
		Enabled:        enabled,
	})
	if err != nil {
		sendOperationError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, job))
}

func (r *methodRouter) handleJobList(client *Client, req *protocol.RequestFrame) {
	var params struct {
		Tag     string `json:"tag"`
		Enabled *bool  `json:"enabled"`
	}
	if !parseParams(client, req, &params) {
		return
	}
	jobs, err := r.server.engine.ListJobs(store.JobFilter{Tag: params.Tag, Enabled: params.Enabled})
	if err != nil {
		sendOperationError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"jobs": jobs}))
}

func (r *methodRouter) handleJobGet(client *Client, req *protocol.RequestFrame) {
	var params struct {
		Name string `json:"name"`
	}
	if !parseParams(client, req, &params) {
		return
	}
	job, err := r.server.engine.GetJob(params.Name)
	if err != nil {
		sendOperationError(client, req.ID, err)
		return
	}
	if job == nil {
		client.sendError(req.ID, protocol.ErrNotFound, "job "+params.Name+" not found")
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, job))
}

func (r *methodRouter) handleJobUpdate(client *Client, req *protocol.RequestFrame) {
	var params struct {
		Name string `json:"name"`
		store.JobPatch
	}
	if !parseParams(client, req, &params) {
		return
	}
	job, err := r.server.engine.UpdateJob(params.Name, params.JobPatch)
	if err != nil {
		sendOperationError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, job))
}

func (r *methodRouter) handleJobDelete(client *Client, req *protocol.RequestFrame) {
	var params struct {
		Name      string `json:"name"`
		PurgeRuns bool   `json:"purge_runs"`
	}
	if !parseParams(client, req, &params) {
		return
	}
	if err := r.server.engine.DeleteJob(params.Name, params.PurgeRuns); err != nil {
		sendOperationError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"deleted": params.Name}))
}

func (r *methodRouter) handleJobEnable(client *Client, req *protocol.RequestFrame) {
	r.setEnabled(client, req, true)
}

func (r *methodRouter) handleJobDisable(client *Client, req *protocol.RequestFrame) {
	r.setEnabled(client, req, false)
}

func (r *methodRouter) setEnabled(client *Client, req *protocol.RequestFrame, enabled bool) {
	var params struct {
		Name string `json:"name"`
	}
	if !parseParams(client, req, &params) {
		return
	}
	job, err := r.server.engine.SetJobEnabled(params.Name, enabled)
	if err != nil {
		sendOperationError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, job))
}

func (r *methodRouter) handleJobTrigger(client *Client, req *protocol.RequestFrame) {
	var params struct {
		Name string `json:"name"`
	}
	if !parseParams(client, req, &params) {
		return
	}
	run, err := r.server.engine.TriggerJob(params.Name)
	if err != nil {
		sendOperationError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, run))
}

func (r *methodRouter) handleRunsList(client *Client, req *protocol.RequestFrame) {
	var params struct {
		Job        string `json:"job"`
		Since      string `json:"since"`
		Limit      int    `json:"limit"`
		FailedOnly bool   `json:"failed_only"`
	}
	if !parseParams(client, req, &params) {
		return
	}
	filter := store.RunFilter{JobName: params.Job, Limit: params.Limit, FailedOnly: params.FailedOnly}
	if params.Since != "" {
		since, err := time.Parse(time.RFC3339, params.Since)
		if err != nil {
			client.sendError(req.ID, protocol.ErrInvalidRequest, "since must be RFC3339: "+err.Error())
			return
		}
		filter.Since = &since
	}
	runs, err := r.server.engine.ListRuns(filter)
	if err != nil {
		sendOperationError(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"runs": runs}))
}

func (r *methodRouter) handleRunsGet(client *Client, req *protocol.RequestFrame) {
	var params struct {
		ID int64 `json:"id"`
	}
	if !parseParams(client, req, &params) {
		return
	}
	run, err := r.server.engine.GetRun(params.ID)
	if err != nil {
		sendOperationError(client, req.ID, err)
		return
	}
	if run == nil {
		client.sendError(req.ID, protocol.ErrNotFound, "run not found")
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, run))
}

func (r *methodRouter) handleRunsLast(client *Client, req *protocol.RequestFrame) {
	var params struct {
		Job string `json:"job"`
	}
	if !parseParams(client, req, &params) {
		return
	}
	run, err := r.server.engine.LastRunFor(params.Job)
	if err != nil {
		sendOperationError(client, req.ID, err)
		return
	}
	if run == nil {
		client.sendError(req.ID, protocol.ErrNotFound, "job "+params.Job+" has no runs")
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, run))
}

func (r *methodRouter) handleEngineStatus(client *Client, req *protocol.RequestFrame) {
	status := r.server.engine.Status()
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"engine":  status,
		"clients": r.server.clientCount(),
	}))
}
