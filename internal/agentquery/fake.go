package agentquery

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Fake is an in-memory Query used by tests and by the daemon's mock-agent
// mode. It echoes every sent message back as an assistant message on
// Stream(), recording calls so tests can assert on them.
type Fake struct {
	mu          sync.Mutex
	model       string
	closed      bool
	ready       bool
	messages    chan Message
	errs        chan error
	Interrupted int
	RewoundTo   []string
	Sent        []string

	// RewindResult, when set, is returned verbatim by RewindFiles instead
	// of the default "succeeded with no changes" result. Lets tests drive
	// the Rewind Engine's failure paths.
	RewindResult *RewindResult
	RewindErr    error
}

// NewFake creates a Fake bound to the given initial model. It starts ready
// (handshake complete); tests exercising the "SDK not ready" path call
// SetReady(false).
func NewFake(model string) *Fake {
	return &Fake{
		model:    model,
		ready:    true,
		messages: make(chan Message, 64),
		errs:     make(chan error, 1),
	}
}

// SetReady toggles the fake's handshake-complete state.
func (f *Fake) SetReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
}

// Ready implements Query.
func (f *Fake) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

// Send implements Query.
func (f *Fake) Send(ctx context.Context, content string, images []string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return context.Canceled
	}
	f.Sent = append(f.Sent, content)
	f.mu.Unlock()

	f.messages <- Message{UUID: uuid.New().String(), Type: "assistant", Content: "echo: " + content}
	return nil
}

// SetModel implements Query.
func (f *Fake) SetModel(ctx context.Context, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.model = model
	return nil
}

// Model returns the currently configured model.
func (f *Fake) Model() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.model
}

// Interrupt implements Query.
func (f *Fake) Interrupt(ctx context.Context) error {
	f.mu.Lock()
	f.Interrupted++
	f.mu.Unlock()
	return nil
}

// RewindFiles implements Query. By default it reports a clean rewind with
// no file changes; set f.RewindResult/f.RewindErr to drive other outcomes.
func (f *Fake) RewindFiles(ctx context.Context, checkpointID string, opts RewindOptions) (RewindResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !opts.DryRun {
		f.RewoundTo = append(f.RewoundTo, checkpointID)
	}
	if f.RewindErr != nil {
		return RewindResult{}, f.RewindErr
	}
	if f.RewindResult != nil {
		return *f.RewindResult, nil
	}
	return RewindResult{CanRewind: true}, nil
}

// Stream implements Query.
func (f *Fake) Stream() <-chan Message { return f.messages }

// Errors implements Query.
func (f *Fake) Errors() <-chan error { return f.errs }

// Close implements Query.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.messages)
	close(f.errs)
	return nil
}

// FakeFactory creates Fake queries, implementing Factory for tests.
type FakeFactory struct{}

// New implements Factory.
func (FakeFactory) New(ctx context.Context, sessionID, model, systemPrompt string) (Query, error) {
	return NewFake(model), nil
}
