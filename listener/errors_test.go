package listener

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeNetError struct {
	timeout bool
}

func (e fakeNetError) Error() string   { return "fake net error" }
func (e fakeNetError) Timeout() bool   { return e.timeout }
func (e fakeNetError) Temporary() bool { return false }

func TestClassifyProviderError(t *testing.T) {
	require.Equal(t, Timeout, ClassifyProviderError(context.DeadlineExceeded))

	var netErr net.Error = fakeNetError{timeout: true}
	require.Equal(t, Timeout, ClassifyProviderError(netErr))

	var plainNetErr net.Error = fakeNetError{timeout: false}
	require.Equal(t, NetworkError, ClassifyProviderError(plainNetErr))

	require.Equal(t, Other, ClassifyProviderError(errors.New("unclassified")))
	require.Equal(t, Other, ClassifyProviderError(nil))
}
