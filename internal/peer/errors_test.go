package peer

import (
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want errClass
	}{
		{"nil", nil, classQuiet},
		{"econnreset errno", syscall.ECONNRESET, classIgnore},
		{"econnreset wrapped", fmt.Errorf("read tcp: %w", syscall.ECONNRESET), classIgnore},
		{"econnreset text", errors.New("read ECONNRESET"), classIgnore},
		{"reset by peer text", errors.New("read tcp 1.2.3.4: connection reset by peer"), classIgnore},
		{"econnrefused", syscall.ECONNREFUSED, classQuiet},
		{"ehostunreach", syscall.EHOSTUNREACH, classQuiet},
		{"epipe", syscall.EPIPE, classQuiet},
		{"etimedout", syscall.ETIMEDOUT, classQuiet},
		{"refused text", errors.New("dial tcp: connect: connection refused"), classQuiet},
		{"timed out text", errors.New("Connection timed out"), classQuiet},
		{"stalling", errPeerStalling, classQuiet},
		{"stalling wrapped", fmt.Errorf("%w: handshake timed out", errPeerStalling), classQuiet},
		{"hangup text", errors.New("Socket hangup"), classQuiet},
		{"eof", io.EOF, classQuiet},
		{"unexpected eof", io.ErrUnexpectedEOF, classQuiet},
		{"closed conn", errors.New("use of closed network connection"), classQuiet},
		{"garbage", errors.New("something exploded"), classUnexpected},
		{"checksum", errors.New("payload checksum failed"), classUnexpected},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(tc.err))
		})
	}
}

// Ignored-class errors must never reach the supervisor (no disconnect
// emission); that contract is exercised end to end in session tests, the
// classification half lives here.
func TestClassifyResetNeverQuiet(t *testing.T) {
	err := fmt.Errorf("socket: %w", syscall.ECONNRESET)
	assert.Equal(t, classIgnore, classify(err))
	assert.NotEqual(t, classQuiet, classify(err))
}
