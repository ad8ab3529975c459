package ipc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossmaurice/iceoryx/internal/shared/errdefs"
)

type rawSender interface {
	Transport
	SendRaw(ctx context.Context, to string, data []byte) error
}

func transports(t *testing.T) map[string]rawSender {
	unixTransport, err := NewUnixTransport(t.TempDir())
	require.NoError(t, err)
	return map[string]rawSender{
		"hub":  NewHub(),
		"unix": unixTransport,
	}
}

func TestTransportRoundTrip(t *testing.T) {
	for name, tr := range transports(t) {
		t.Run(name, func(t *testing.T) {
			ep, err := tr.Open("roudi")
			require.NoError(t, err)
			defer ep.Close()
			assert.Equal(t, "roudi", ep.Name())

			msg := registerMessage("alpha")
			require.NoError(t, tr.Send(context.Background(), "roudi", msg))

			got, err := ep.Receive(time.Second)
			require.NoError(t, err)
			assert.Equal(t, msg, got)
		})
	}
}

func TestTransportReceiveTimeout(t *testing.T) {
	for name, tr := range transports(t) {
		t.Run(name, func(t *testing.T) {
			ep, err := tr.Open("quiet")
			require.NoError(t, err)
			defer ep.Close()

			start := time.Now()
			_, err = ep.Receive(30 * time.Millisecond)
			assert.ErrorIs(t, err, errdefs.ErrTimeout)
			assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
		})
	}
}

func TestTransportMalformedFrame(t *testing.T) {
	for name, tr := range transports(t) {
		t.Run(name, func(t *testing.T) {
			ep, err := tr.Open("roudi")
			require.NoError(t, err)
			defer ep.Close()

			require.NoError(t, tr.SendRaw(context.Background(), "roudi", []byte("\x00garbage")))
			_, err = ep.Receive(time.Second)
			assert.ErrorIs(t, err, errdefs.ErrChannel)

			// The endpoint stays usable after a bad frame.
			require.NoError(t, tr.Send(context.Background(), "roudi", registerMessage("beta")))
			got, err := ep.Receive(time.Second)
			require.NoError(t, err)
			assert.Equal(t, "beta", got.Name)
		})
	}
}

func TestTransportSendToMissingEndpoint(t *testing.T) {
	for name, tr := range transports(t) {
		t.Run(name, func(t *testing.T) {
			err := tr.Send(context.Background(), "nobody", registerMessage("alpha"))
			assert.ErrorIs(t, err, errdefs.ErrChannel)
		})
	}
}

func TestTransportEndpointInUse(t *testing.T) {
	for name, tr := range transports(t) {
		t.Run(name, func(t *testing.T) {
			ep, err := tr.Open("alpha")
			require.NoError(t, err)

			_, err = tr.Open("alpha")
			assert.ErrorIs(t, err, ErrEndpointInUse)

			require.NoError(t, ep.Close())
			again, err := tr.Open("alpha")
			require.NoError(t, err)
			again.Close()
		})
	}
}

func TestTransportCloseUnblocksReceive(t *testing.T) {
	for name, tr := range transports(t) {
		t.Run(name, func(t *testing.T) {
			ep, err := tr.Open("blocked")
			require.NoError(t, err)

			var wg sync.WaitGroup
			wg.Add(1)
			var recvErr error
			go func() {
				defer wg.Done()
				_, recvErr = ep.Receive(0)
			}()

			time.Sleep(20 * time.Millisecond)
			require.NoError(t, ep.Close())
			wg.Wait()
			assert.ErrorIs(t, recvErr, ErrEndpointClosed)

			_, err = ep.Receive(time.Millisecond)
			assert.ErrorIs(t, err, ErrEndpointClosed)
		})
	}
}

func TestUnixTransportReplacesStaleSocket(t *testing.T) {
	tr, err := NewUnixTransport(t.TempDir())
	require.NoError(t, err)

	ep, err := tr.Open("crashed")
	require.NoError(t, err)
	// Simulate a crash: the descriptor goes away, the socket file stays.
	require.NoError(t, ep.(*unixEndpoint).conn.Close())

	again, err := tr.Open("crashed")
	require.NoError(t, err)
	defer again.Close()

	require.NoError(t, tr.Send(context.Background(), "crashed", registerMessage("alpha")))
	_, err = again.Receive(time.Second)
	assert.NoError(t, err)
}

func TestHubSendRespectsContext(t *testing.T) {
	hub := NewHub()
	hub.capacity = 1
	ep, err := hub.Open("full")
	require.NoError(t, err)
	defer ep.Close()

	require.NoError(t, hub.Send(context.Background(), "full", registerMessage("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = hub.Send(ctx, "full", registerMessage("b"))
	assert.ErrorIs(t, err, errdefs.ErrChannel)
	assert.True(t, hub.Has("full"))
}
