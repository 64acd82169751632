package listener

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrorClass categorizes a provider error per spec.md §4.4's
// createErrorHandler: NetworkError/ServerError/UnsupportedOperation
// propagate to the listener's reject handler, Timeout is swallowed, and
// Other is logged and ignored.
type ErrorClass int

const (
	Other ErrorClass = iota
	NetworkError
	ServerError
	UnsupportedOperation
	Timeout
)

func (c ErrorClass) String() string {
	switch c {
	case NetworkError:
		return "network_error"
	case ServerError:
		return "server_error"
	case UnsupportedOperation:
		return "unsupported_operation"
	case Timeout:
		return "timeout"
	default:
		return "other"
	}
}

// ClassifyProviderError maps a go-ethereum client error into one of the
// listener's error classes, using go-ethereum's exported sentinels
// (rpc.HTTPError, rpc.Error, net.Error, context's deadline/cancel errors).
func ClassifyProviderError(err error) ErrorClass {
	if err == nil {
		return Other
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout
		}
		return NetworkError
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 500 {
			return ServerError
		}
		return NetworkError
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case -32601, -32600: // method not found / invalid request
			return UnsupportedOperation
		case -32000, -32002, -32003: // server error family
			return ServerError
		}
		return Other
	}

	if errors.Is(err, ethereum.NotFound) {
		return Other
	}

	return Other
}

func errStagedReadFailed(chainID, number uint64) error {
	return fmt.Errorf("listener: staged read failed for chain %d block %d", chainID, number)
}
