package kflow

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
)

// clientGate serializes access to a *kgo.Client. At most one withClient
// body runs at a time; waiters are served first-come-first-served via a
// buffered channel used as a 1-token semaphore, which (unlike a bare
// sync.Mutex) lets a waiter give up on a cancelled context instead of
// blocking forever. A blocking body blocks every other caller — acceptable
// because the Runloop holds the gate for most of the client's life and
// ad-hoc metadata calls from the façade are infrequent by comparison.
//
// This exists even though kgo.Client tolerates concurrent calls from
// multiple goroutines: the coordination contract this package implements
// assumes a single owner, the same way the original wraps a broker client
// that is not safe for concurrent use. Serializing unconditionally keeps
// that contract true regardless of what the underlying client actually
// permits.
type clientGate struct {
	token  chan struct{}
	client *kgo.Client
}

func newClientGate(client *kgo.Client) *clientGate {
	g := &clientGate{token: make(chan struct{}, 1), client: client}
	g.token <- struct{}{}
	return g
}

// withClient runs f with exclusive access to the client. A failure in f
// releases the gate and propagates unchanged.
func (g *clientGate) withClient(f func(*kgo.Client) error) error {
	<-g.token
	defer func() { g.token <- struct{}{} }()
	return f(g.client)
}

// withClientCtx is withClient for callers that want to stop waiting for the
// gate if ctx is cancelled first. Once the body starts running it is
// expected to respect ctx itself; the gate does not preempt it.
func (g *clientGate) withClientCtx(ctx context.Context, f func(*kgo.Client) error) error {
	select {
	case <-g.token:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { g.token <- struct{}{} }()
	return f(g.client)
}

// close shuts down the underlying client. It takes the gate first so it
// never races a withClient body.
func (g *clientGate) close() {
	<-g.token
	defer func() { g.token <- struct{}{} }()
	g.client.Close()
}
