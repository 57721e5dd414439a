// Package agent provides the base agent runtime: lifecycle, message-type
// dispatch, acknowledgment and error-response generation. Domain agents
// (sales, coach, compliance) embed the runtime and supply handler functions
// for the message types they support.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/pitchline/pitchline/a2a"
	"github.com/pitchline/pitchline/bus"
)

type (
	// RequestHandler answers one action with a result value. The returned
	// value must be JSON-serializable; errors are wrapped into a failed
	// response rather than propagated to the bus loop.
	RequestHandler func(ctx context.Context, action string, params map[string]any) (map[string]any, error)

	// EventHandler reacts to an event or command message.
	EventHandler func(ctx context.Context, msg bus.Message) error

	// Config describes one agent. ID, Type and Fabric are required; handler
	// functions default to logging no-ops for events and commands and to an
	// error response for requests and queries.
	Config struct {
		ID           string
		Type         string
		Capabilities []string
		Version      string
		Metadata     map[string]any
		Fabric       *a2a.Fabric

		// HandleRequest answers request messages.
		HandleRequest RequestHandler
		// HandleQuery answers query messages.
		HandleQuery RequestHandler
		// HandleEvent reacts to event messages.
		HandleEvent EventHandler
		// HandleCommand reacts to command messages.
		HandleCommand EventHandler
	}

	// Agent is a running agent. Safe for concurrent use.
	Agent struct {
		cfg  Config
		subs []bus.Subscription

		mu           sync.Mutex
		conversation string
		started      bool
	}
)

// New validates the configuration and builds the agent. Start must be called
// before the agent receives messages.
func New(cfg Config) (*Agent, error) {
	if cfg.ID == "" {
		return nil, errors.New("agent id is required")
	}
	if cfg.Type == "" {
		return nil, errors.New("agent type is required")
	}
	if cfg.Fabric == nil {
		return nil, errors.New("fabric is required")
	}
	return &Agent{cfg: cfg}, nil
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.cfg.ID }

// SetConversation sets the default conversation used when an outgoing
// message has none.
func (a *Agent) SetConversation(id string) {
	a.mu.Lock()
	a.conversation = id
	a.mu.Unlock()
}

// Conversation returns the current default conversation ID.
func (a *Agent) Conversation() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conversation
}

// Start registers the agent and subscribes to its directed and broadcast
// topics. Calling Start twice is an error.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("agent already started")
	}
	a.started = true
	a.mu.Unlock()

	if err := a.cfg.Fabric.Register(ctx, a.record()); err != nil {
		return err
	}
	subs, err := a.cfg.Fabric.Subscribe(ctx, a.cfg.ID, a.dispatch)
	if err != nil {
		_ = a.cfg.Fabric.Unregister(ctx, a.record())
		return err
	}
	a.mu.Lock()
	a.subs = subs
	a.mu.Unlock()
	log.Printf(ctx, "agent %s (%s) online", a.cfg.ID, a.cfg.Type)
	return nil
}

// Stop cancels the subscriptions, announces departure and deletes the
// registry entry.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.started = false
	a.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return a.cfg.Fabric.Unregister(ctx, a.record())
}

// Heartbeat refreshes the registry record with the given status.
func (a *Agent) Heartbeat(ctx context.Context, status a2a.Status) error {
	return a.cfg.Fabric.Registry().Heartbeat(ctx, a.cfg.ID, status)
}

// SendRequest sends a request to another agent and waits for its response.
func (a *Agent) SendRequest(ctx context.Context, to, action string, params map[string]any, timeout time.Duration) (a2a.Response, error) {
	return a.cfg.Fabric.SendRequest(ctx, a.cfg.ID, to, action, params, timeout)
}

// BroadcastEvent publishes an event to every agent. The default conversation
// is applied when set.
func (a *Agent) BroadcastEvent(ctx context.Context, event string, payload map[string]any) error {
	body := map[string]any{"event": event}
	for k, v := range payload {
		body[k] = v
	}
	return a.cfg.Fabric.Send(ctx, bus.Message{
		Type:           bus.MessageEvent,
		From:           a.cfg.ID,
		ConversationID: a.Conversation(),
		Payload:        body,
	})
}

func (a *Agent) record() a2a.AgentRecord {
	return a2a.AgentRecord{
		AgentID:      a.cfg.ID,
		AgentType:    a.cfg.Type,
		Capabilities: a.cfg.Capabilities,
		Metadata:     a.cfg.Metadata,
		Version:      a.cfg.Version,
	}
}

// dispatch routes one delivered message by type. Acks are emitted before the
// handler runs when the sender demanded one. Handler panics and errors never
// escape: requests and queries get a failed response, events and commands
// are logged.
func (a *Agent) dispatch(ctx context.Context, msg bus.Message) error {
	if msg.RequiresAck && msg.Type != bus.MessageAck {
		a.sendAck(ctx, msg)
	}
	switch msg.Type {
	case bus.MessageRequest:
		a.answer(ctx, msg, a.cfg.HandleRequest)
	case bus.MessageQuery:
		a.answer(ctx, msg, a.cfg.HandleQuery)
	case bus.MessageEvent:
		if a.cfg.HandleEvent == nil {
			log.Debugf(ctx, "agent %s ignoring event from %s", a.cfg.ID, msg.From)
			return nil
		}
		return a.cfg.HandleEvent(ctx, msg)
	case bus.MessageCommand:
		if a.cfg.HandleCommand == nil {
			log.Debugf(ctx, "agent %s ignoring command from %s", a.cfg.ID, msg.From)
			return nil
		}
		return a.cfg.HandleCommand(ctx, msg)
	case bus.MessageAck:
		log.Debugf(ctx, "agent %s observed ack for %s", a.cfg.ID, msg.ReplyTo)
	case bus.MessageResponse:
		// Responses are resolved by the bus correlation layer; nothing to do.
	}
	return nil
}

// answer runs a request/query handler and publishes the wrapped result. A
// nil handler and a handler error both produce a failed response so the
// requester's future always resolves.
func (a *Agent) answer(ctx context.Context, msg bus.Message, h RequestHandler) {
	action, _ := msg.Payload["action"].(string)
	params, _ := msg.Payload["parameters"].(map[string]any)

	payload := map[string]any{"success": false}
	if h == nil {
		payload["error"] = fmt.Sprintf("agent %s does not handle %s messages", a.cfg.ID, msg.Type)
	} else {
		result, err := func() (result map[string]any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler panic: %v", r)
				}
			}()
			return h(ctx, action, params)
		}()
		if err != nil {
			payload["error"] = err.Error()
		} else {
			payload["success"] = true
			payload["result"] = result
		}
	}

	reply := bus.Message{
		Type:           bus.MessageResponse,
		From:           a.cfg.ID,
		To:             msg.From,
		ConversationID: msg.ConversationID,
		ReplyTo:        msg.ID,
		Payload:        payload,
	}
	if err := a.cfg.Fabric.Send(ctx, reply); err != nil {
		log.Errorf(ctx, err, "agent %s response publish for %s", a.cfg.ID, msg.ID)
	}
}

// sendAck emits an ack directed at the sender, carrying the original message
// ID in ReplyTo.
func (a *Agent) sendAck(ctx context.Context, msg bus.Message) {
	ack := bus.Message{
		Type:           bus.MessageAck,
		From:           a.cfg.ID,
		To:             msg.From,
		ConversationID: msg.ConversationID,
		ReplyTo:        msg.ID,
	}
	if err := a.cfg.Fabric.Send(ctx, ack); err != nil {
		log.Errorf(ctx, err, "agent %s ack publish for %s", a.cfg.ID, msg.ID)
	}
}
