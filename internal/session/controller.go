package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/flowrelay/flowrelay/internal/canonical"
)

// State tracks where a generation is in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateCompleted
	StateAborted
	StateTimedOut
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateTimedOut:
		return "timed-out"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// ErrModelLocked is returned when a send would change the model of a
// conversation that already has messages.
var ErrModelLocked = errors.New("conversation model is locked once messages exist")

// Notices surfaced as message content on non-failure terminations.
const (
	timeoutNotice   = "Generation timed out waiting for the model."
	interruptNotice = "Generation stopped."
)

// Generation is one in-flight request producing a single assistant message.
type Generation struct {
	ConversationID string
	MessageID      string

	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.Mutex
	state         State
	timedOut      bool
	userCancelled bool
}

// State returns the generation's current lifecycle state.
func (g *Generation) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Generation) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

func (g *Generation) markTimedOut() {
	g.mu.Lock()
	g.timedOut = true
	g.mu.Unlock()
}

func (g *Generation) markUserCancelled() {
	g.mu.Lock()
	g.userCancelled = true
	g.mu.Unlock()
}

func (g *Generation) flags() (timedOut, userCancelled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timedOut, g.userCancelled
}

// Wait blocks until the generation has terminated.
func (g *Generation) Wait() {
	<-g.done
}

// Options configures a Controller.
type Options struct {
	// IdleTimeout cancels a generation after this long without token
	// progress. The timer resets on every token event.
	IdleTimeout time.Duration
	// FlushInterval bounds how often buffered tokens are applied.
	FlushInterval time.Duration
	// OnUpdate fires after every conversation state change. Reducer-driven
	// updates invoke it with the reducer's lock held, so reading the
	// conversation inside the callback is safe; the callback must not call
	// back into the controller or reducer.
	OnUpdate func()
}

// Controller owns the lifecycle of outbound generations and guarantees at
// most one in flight per conversation.
type Controller struct {
	api  *API
	opts Options

	mu     sync.Mutex
	active map[string]*Generation
}

// NewController creates a stream controller over the given relay client.
func NewController(api *API, opts Options) *Controller {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 90 * time.Second
	}
	return &Controller{
		api:    api,
		opts:   opts,
		active: make(map[string]*Generation),
	}
}

// Send appends the user message and an assistant placeholder to conv and
// starts a generation for it. A still-active generation for the same
// conversation is cancelled first.
func (c *Controller) Send(conv *Conversation, message, modelID string) (*Generation, error) {
	c.mu.Lock()
	prev := c.active[conv.ID]
	c.mu.Unlock()
	if prev != nil {
		// The previous generation must settle before the conversation is
		// mutated; its reducer writes into the same message list.
		prev.cancel()
		prev.Wait()
	}

	c.mu.Lock()
	if len(conv.Messages) > 0 {
		if modelID != "" && conv.ModelID != "" && modelID != conv.ModelID {
			c.mu.Unlock()
			return nil, ErrModelLocked
		}
	} else {
		if modelID != "" {
			conv.ModelID = modelID
		}
		conv.Title = deriveTitle(message)
	}

	userMsg := newMessage(RoleUser)
	userMsg.Content = message
	assistantMsg := newMessage(RoleAssistant)
	conv.Messages = append(conv.Messages, userMsg, assistantMsg)

	ctx, cancel := context.WithCancel(context.Background())
	g := &Generation{
		ConversationID: conv.ID,
		MessageID:      assistantMsg.ID,
		cancel:         cancel,
		done:           make(chan struct{}),
		state:          StateSending,
	}
	c.active[conv.ID] = g
	c.mu.Unlock()

	c.notify()

	req := &canonical.GenerateRequest{
		Message:   message,
		ModelID:   conv.ModelID,
		Mode:      conv.Mode,
		SessionID: conv.ID,
	}
	go c.run(ctx, g, conv, req)
	return g, nil
}

// Cancel aborts the active generation for a conversation, if any.
func (c *Controller) Cancel(conversationID string) bool {
	c.mu.Lock()
	g := c.active[conversationID]
	c.mu.Unlock()
	if g == nil {
		return false
	}
	g.markUserCancelled()
	g.cancel()
	return true
}

func (c *Controller) run(ctx context.Context, g *Generation, conv *Conversation, req *canonical.GenerateRequest) {
	defer close(g.done)
	defer g.cancel()
	defer func() {
		c.mu.Lock()
		if c.active[conv.ID] == g {
			delete(c.active, conv.ID)
		}
		c.mu.Unlock()
	}()

	red := NewReducer(conv, g.MessageID, c.opts.FlushInterval, c.opts.OnUpdate)

	// The idle timer is armed at sending and reset on every token; firing
	// it cancels the transport.
	idle := time.AfterFunc(c.opts.IdleTimeout, func() {
		g.markTimedOut()
		g.cancel()
	})
	defer idle.Stop()

	body, err := c.api.Generate(ctx, req)
	if err != nil {
		c.settle(ctx, g, red, req, false, err)
		return
	}
	defer body.Close()
	g.setState(StateStreaming)

	reader := canonical.NewReader(body)
	sawToken := false
	completed := false
	failed := false

	for {
		if ctx.Err() != nil {
			break
		}
		ev, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Transport closed: counts as end of stream.
				completed = true
			}
			break
		}

		switch ev.Kind {
		case canonical.KindToken:
			sawToken = true
			idle.Reset(c.opts.IdleTimeout)
		case canonical.KindError:
			failed = true
		case canonical.KindDone:
			completed = true
			if !ev.OK {
				failed = true
			}
		}

		red.Apply(ev)

		if ev.Kind == canonical.KindDone {
			break
		}
	}
	idle.Stop()

	switch {
	case interrupted(ctx, g):
		c.settleInterrupted(g, red)
	case completed:
		red.Apply(canonical.Done(!failed, false))
		if failed {
			g.setState(StateErrored)
		} else {
			g.setState(StateCompleted)
		}
		c.notify()
	default:
		c.settle(ctx, g, red, req, sawToken, errors.New("event stream ended unexpectedly"))
	}
}

// settle handles stream failures: a single non-streaming retry when the
// stream died before producing output, otherwise the failure is surfaced
// as message content.
func (c *Controller) settle(ctx context.Context, g *Generation, red *Reducer, req *canonical.GenerateRequest, sawToken bool, cause error) {
	if interrupted(ctx, g) {
		c.settleInterrupted(g, red)
		return
	}

	if !sawToken {
		if res, err := c.api.Predict(ctx, req); err == nil {
			for _, step := range res.AgentSteps {
				red.Apply(canonical.AgentStep(step))
			}
			for _, key := range res.Activities {
				red.Apply(canonical.Event{Kind: canonical.KindActivity, State: key})
			}
			red.Apply(canonical.Token(res.Text))
			red.Apply(canonical.Done(true, false))
			g.setState(StateCompleted)
			c.notify()
			return
		}
	}

	red.Fail(fmt.Sprintf("Generation failed: %v", cause))
	g.setState(StateErrored)
	c.notify()
}

func (c *Controller) settleInterrupted(g *Generation, red *Reducer) {
	timedOut, _ := g.flags()
	if timedOut {
		red.Interrupt(timeoutNotice)
		g.setState(StateTimedOut)
	} else {
		red.Interrupt(interruptNotice)
		g.setState(StateAborted)
	}
	c.notify()
}

func interrupted(ctx context.Context, g *Generation) bool {
	if ctx.Err() == nil {
		return false
	}
	timedOut, userCancelled := g.flags()
	return timedOut || userCancelled || errors.Is(ctx.Err(), context.Canceled)
}

func (c *Controller) notify() {
	if c.opts.OnUpdate != nil {
		c.opts.OnUpdate()
	}
}
