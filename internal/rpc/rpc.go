// Package rpc provides a local, in-process implementation of
// types.RemoteCaller for single-node deployments and tests. A real
// multi-node transport is an external collaborator the core never
// constructs itself.
package rpc

import (
	"context"
	"fmt"
	"sync"

	herrors "github.com/HDFGroup/hermes-sub002/pkg/errors"
)

// Handler executes one RPC operation locally and returns its encoded
// result.
type Handler func(ctx context.Context, args []byte) ([]byte, error)

// LocalCaller implements types.RemoteCaller for a single node: every call
// dispatches to a Handler registered under op, instead of going out over a
// wire. Grounded on the teacher's distributed.Coordinator.executeOnNode
// dispatch-by-operation-type shape, scaled down to the interface boundary
// Hermes's core actually consumes.
type LocalCaller struct {
	mu       sync.RWMutex
	nodeID   string
	handlers map[string]Handler
}

// NewLocalCaller constructs a LocalCaller identifying itself as nodeID.
func NewLocalCaller(nodeID string) *LocalCaller {
	return &LocalCaller{nodeID: nodeID, handlers: make(map[string]Handler)}
}

// Register binds op to h. Registering the same op twice replaces the
// previous handler.
func (l *LocalCaller) Register(op string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[op] = h
}

// Call implements types.RemoteCaller. An empty node targets this node
// implicitly; any other node name is unreachable from a single-node
// caller.
func (l *LocalCaller) Call(ctx context.Context, node string, op string, args []byte) ([]byte, error) {
	if node != "" && node != l.nodeID {
		return nil, herrors.New(herrors.ErrCodeNotFound, fmt.Sprintf("unknown node %q", node)).
			WithComponent("rpc").WithOperation("call")
	}
	l.mu.RLock()
	h, ok := l.handlers[op]
	l.mu.RUnlock()
	if !ok {
		return nil, herrors.New(herrors.ErrCodeNotFound, fmt.Sprintf("unknown operation %q", op)).
			WithComponent("rpc").WithOperation("call")
	}
	return h(ctx, args)
}
