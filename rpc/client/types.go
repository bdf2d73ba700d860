package client

import (
	"context"
	"encoding/json"
	"fmt"
)

// Caller issues one remote procedure call against the node and decodes the
// result into result (a pointer). The returned error is either an *RPCError
// when the node rejected or failed the request, or a plain transport error
// when the request never completed.
type Caller interface {
	Call(ctx context.Context, method string, params interface{}, result interface{}) error
}

// RPCError is a response error returned by the remote node: the request was
// delivered and the node answered with an error object.
type RPCError struct {
	ID      int64  `json:"id"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d (request %d): %s", e.Code, e.ID, e.Message)
}

// rpcRequest defines a JSON-RPC request sent to the node.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// rpcResponse defines a JSON-RPC response received from the node. Exactly one
// of Result and Error is set.
type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcResponseErr `json:"error,omitempty"`
}

type rpcResponseErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
