package bridge

import (
	"context"
	"sync"

	"github.com/localrivet/gocopilot/client"
)

// Session is the part of *client.Session the bridge drives.
type Session interface {
	ID() string
	Subscribe(h client.EventHandler) (unsubscribe func())
	Send(ctx context.Context, prompt string) (string, error)
	Destroy(ctx context.Context) error
}

// Backend opens streaming sessions for the bridge.
type Backend interface {
	OpenSession(ctx context.Context, model string) (Session, error)
	State() client.State
}

// ClientBackend serves sessions from an already started client.
type ClientBackend struct {
	Client *client.Client
	// SessionOptions apply to every session, for example to attach MCP servers.
	SessionOptions []client.SessionOption
}

// OpenSession creates a streaming session.
func (b ClientBackend) OpenSession(ctx context.Context, model string) (Session, error) {
	s, err := b.Client.CreateSession(ctx, model, true, b.SessionOptions...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// State reports the client state.
func (b ClientBackend) State() client.State {
	return b.Client.State()
}

// LazyBackend starts its client on first use. A client whose transport failed is
// stopped and replaced by the next OpenSession.
type LazyBackend struct {
	newClient   func() *client.Client
	sessionOpts []client.SessionOption

	mu     sync.Mutex
	client *client.Client
}

// NewLazyBackend returns a backend that builds clients with newClient.
func NewLazyBackend(newClient func() *client.Client, opts ...client.SessionOption) *LazyBackend {
	return &LazyBackend{newClient: newClient, sessionOpts: opts}
}

func (b *LazyBackend) get(ctx context.Context) (*client.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil && b.client.Err() == nil {
		return b.client, nil
	}
	if b.client != nil {
		_ = b.client.Stop(ctx)
		b.client = nil
	}

	c := b.newClient()
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	b.client = c
	return c, nil
}

// OpenSession starts the client when needed and creates a streaming session.
func (b *LazyBackend) OpenSession(ctx context.Context, model string) (Session, error) {
	c, err := b.get(ctx)
	if err != nil {
		return nil, err
	}
	return ClientBackend{Client: c, SessionOptions: b.sessionOpts}.OpenSession(ctx, model)
}

// State reports the state of the current client, or StateStopped before first use.
func (b *LazyBackend) State() client.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return client.StateStopped
	}
	return b.client.State()
}

// Close stops the current client, if any.
func (b *LazyBackend) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Stop(ctx)
	b.client = nil
	return err
}
