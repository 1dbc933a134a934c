// Package dispatch routes decoded request envelopes to tool handlers.
//
// Every request is processed as if it were the first: the dispatcher holds no
// per-client or per-connection state, so consecutive requests from the same
// logical client may land on different replicas without any session handoff.
// A request moves through exactly two states, received and completed; nothing
// outlives the request.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/searchscope/search-gateway/internal/backend"
	"github.com/searchscope/search-gateway/internal/protocol"
	"github.com/searchscope/search-gateway/internal/registry"
)

// Built-in protocol methods resolved ahead of tool lookup.
const (
	methodToolsList     = "tools/list"
	methodToolsCall     = "tools/call"
	methodResourcesList = "resources/list"
	methodResourcesGet  = "resources/get"
)

// Dispatcher resolves and invokes tools. Safe for concurrent use; instances
// sharing the same registry and backend are interchangeable.
type Dispatcher struct {
	reg         *registry.Registry
	log         *slog.Logger
	callTimeout time.Duration
}

// New creates a Dispatcher. callTimeout bounds a single handler invocation;
// zero leaves the deadline to the backend connector.
func New(reg *registry.Registry, logger *slog.Logger, callTimeout time.Duration) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{reg: reg, log: logger, callTimeout: callTimeout}
}

// Dispatch processes one request envelope and always produces exactly one
// response envelope with the same id. Tool and backend failures are returned
// in-band; only the surrounding transport sees decode failures.
func (d *Dispatcher) Dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Method {
	case methodToolsList:
		return d.toolsList(req)
	case methodToolsCall:
		return d.toolsCall(ctx, req)
	case methodResourcesList:
		return protocol.OK(req.ID, map[string]any{"resources": d.reg.Resources()})
	case methodResourcesGet:
		return d.resourcesGet(req)
	default:
		args, resp, ok := decodeArgs(req)
		if !ok {
			return resp
		}
		return d.invoke(ctx, req.ID, req.Method, args)
	}
}

func (d *Dispatcher) toolsList(req protocol.Request) protocol.Response {
	tools := []registry.Descriptor{}
	for desc := range d.reg.Tools() {
		tools = append(tools, desc)
	}
	return protocol.OK(req.ID, map[string]any{"tools": tools})
}

func (d *Dispatcher) toolsCall(ctx context.Context, req protocol.Request) protocol.Response {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.Err(req.ID, protocol.KindInvalidParams, fmt.Sprintf("invalid params: %v", err))
		}
	}
	if params.Name == "" {
		return protocol.Err(req.ID, protocol.KindInvalidParams, "tool name is required")
	}
	return d.invoke(ctx, req.ID, params.Name, params.Arguments)
}

func (d *Dispatcher) resourcesGet(req protocol.Request) protocol.Response {
	var params struct {
		Name string `json:"name"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.Err(req.ID, protocol.KindInvalidParams, fmt.Sprintf("invalid params: %v", err))
		}
	}
	res, err := d.reg.Resource(params.Name)
	if err != nil {
		return protocol.Err(req.ID, protocol.KindMethodNotFound, err.Error())
	}
	return protocol.OK(req.ID, res)
}

func (d *Dispatcher) invoke(ctx context.Context, id json.RawMessage, name string, args map[string]any) protocol.Response {
	desc, err := d.reg.Lookup(name)
	if err != nil {
		return protocol.Err(id, protocol.KindMethodNotFound, fmt.Sprintf("method %s not found", name))
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := desc.Validate(args); err != nil {
		return protocol.Err(id, protocol.KindInvalidParams, err.Error())
	}

	if d.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
	}

	result, err := d.safeCall(ctx, desc, args)
	if err != nil {
		return protocol.Err(id, kindFor(err), err.Error())
	}
	return protocol.OK(id, result)
}

// safeCall invokes the handler, converting panics into errors so a misbehaving
// tool can never take down the worker.
func (d *Dispatcher) safeCall(ctx context.Context, desc *registry.Descriptor, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("tool handler panicked", "tool", desc.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("tool %s failed", desc.Name)
		}
	}()
	return desc.Handler(ctx, args)
}

// kindFor maps handler errors onto envelope error kinds.
func kindFor(err error) string {
	var be *backend.Error
	if errors.As(err, &be) {
		switch be.Kind {
		case backend.KindAuth:
			return protocol.KindUnauthorized
		case backend.KindValidation:
			return protocol.KindInvalidParams
		default:
			return protocol.KindBackendUnavailable
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.KindBackendUnavailable
	}
	return protocol.KindInternal
}

// decodeArgs unmarshals envelope params into the argument map for a direct
// tool-name method. A missing params object means no arguments.
func decodeArgs(req protocol.Request) (map[string]any, protocol.Response, bool) {
	if len(req.Params) == 0 {
		return map[string]any{}, protocol.Response{}, true
	}
	var args map[string]any
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, protocol.Err(req.ID, protocol.KindInvalidParams, fmt.Sprintf("params must be an object: %v", err)), false
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, protocol.Response{}, true
}
