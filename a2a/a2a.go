package a2a

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pitchline/pitchline/bus"
)

type (
	// Options configures the A2A fabric.
	Options struct {
		// Bus is the underlying messaging substrate. Required.
		Bus bus.Bus
		// Registry stores agent records. Required.
		Registry Registry
		// Prefix namespaces agent topics. Defaults to "a2a".
		Prefix string
	}

	// Fabric routes messages between agents. Directed messages travel on the
	// recipient's topic, broadcasts on the shared broadcast topic; every
	// agent subscribes to both.
	Fabric struct {
		bus      bus.Bus
		registry Registry
		prefix   string
	}

	// Response is the normalized result of a request/response exchange.
	Response struct {
		// Success reports whether the recipient's handler succeeded.
		Success bool `json:"success"`
		// Result holds the handler's return value when Success is true.
		Result map[string]any `json:"result,omitempty"`
		// Error carries the failure reason when Success is false.
		Error string `json:"error,omitempty"`
	}
)

// Lifecycle event names broadcast by the fabric.
const (
	EventAgentOnline  = "agent_online"
	EventAgentOffline = "agent_offline"
)

// broadcastSuffix is the shared topic every agent listens on.
const broadcastSuffix = "broadcast"

// New constructs the A2A fabric.
func New(opts Options) (*Fabric, error) {
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = "a2a"
	}
	return &Fabric{bus: opts.Bus, registry: opts.Registry, prefix: opts.Prefix}, nil
}

// Registry exposes the agent registry for discovery.
func (f *Fabric) Registry() Registry { return f.registry }

// Bus exposes the underlying substrate for components that publish domain
// events directly (outcome signals, degradation notices).
func (f *Fabric) Bus() bus.Bus { return f.bus }

// AgentTopic returns the directed topic for an agent.
func (f *Fabric) AgentTopic(agentID string) string { return f.prefix + ":" + agentID }

// BroadcastTopic returns the shared broadcast topic.
func (f *Fabric) BroadcastTopic() string { return f.prefix + ":" + broadcastSuffix }

// Register saves the record as online and announces it to the fleet.
func (f *Fabric) Register(ctx context.Context, rec AgentRecord) error {
	rec.Status = StatusOnline
	rec.LastSeen = time.Now().UTC()
	if err := f.registry.Save(ctx, rec); err != nil {
		return fmt.Errorf("register agent %s: %w", rec.AgentID, err)
	}
	return f.broadcastLifecycle(ctx, EventAgentOnline, rec)
}

// Unregister announces the departure and deletes the record.
func (f *Fabric) Unregister(ctx context.Context, rec AgentRecord) error {
	rec.Status = StatusOffline
	if err := f.broadcastLifecycle(ctx, EventAgentOffline, rec); err != nil {
		return err
	}
	return f.registry.Delete(ctx, rec.AgentID)
}

func (f *Fabric) broadcastLifecycle(ctx context.Context, event string, rec AgentRecord) error {
	return f.bus.Publish(ctx, f.BroadcastTopic(), bus.Message{
		Type: bus.MessageEvent,
		From: rec.AgentID,
		Payload: map[string]any{
			"event":      event,
			"agent_id":   rec.AgentID,
			"agent_type": rec.AgentType,
		},
	})
}

// Send routes a message: directed when To is set, broadcast otherwise.
func (f *Fabric) Send(ctx context.Context, msg bus.Message) error {
	topic := f.BroadcastTopic()
	if msg.To != "" {
		topic = f.AgentTopic(msg.To)
	}
	return f.bus.Publish(ctx, topic, msg)
}

// SendRequest performs a request/response exchange: the payload is wrapped
// as {action, parameters}, an ack is demanded, and the call blocks until the
// correlated response arrives or the timeout elapses.
func (f *Fabric) SendRequest(ctx context.Context, from, to, action string, params map[string]any, timeout time.Duration) (Response, error) {
	msg := bus.Message{
		Type: bus.MessageRequest,
		From: from,
		To:   to,
		Payload: map[string]any{
			"action":     action,
			"parameters": params,
		},
		RequiresAck: true,
	}.WithDefaults()
	reply, err := f.bus.Request(ctx, f.AgentTopic(to), msg, timeout)
	if err != nil {
		return Response{}, err
	}
	return decodeResponse(reply), nil
}

// Subscribe attaches the handler to the agent's directed topic and the
// broadcast topic. Messages sent by the agent itself are dropped before the
// handler runs.
func (f *Fabric) Subscribe(ctx context.Context, agentID string, h bus.Handler) ([]bus.Subscription, error) {
	filtered := func(ctx context.Context, msg bus.Message) error {
		if msg.From == agentID {
			return nil
		}
		return h(ctx, msg)
	}
	own, err := f.bus.Subscribe(ctx, f.AgentTopic(agentID), filtered)
	if err != nil {
		return nil, err
	}
	all, err := f.bus.Subscribe(ctx, f.BroadcastTopic(), filtered)
	if err != nil {
		own.Close()
		return nil, err
	}
	return []bus.Subscription{own, all}, nil
}

// History returns the conversation history, oldest first.
func (f *Fabric) History(ctx context.Context, conversationID string, limit int) ([]bus.Message, error) {
	return f.bus.History(ctx, conversationID, limit)
}

// decodeResponse extracts the {success, result|error} contract from a reply
// payload. Replies that do not follow the contract surface as failures with
// the raw payload preserved.
func decodeResponse(reply bus.Message) Response {
	resp := Response{}
	if reply.Payload == nil {
		resp.Error = "empty response payload"
		return resp
	}
	success, _ := reply.Payload["success"].(bool)
	resp.Success = success
	if result, ok := reply.Payload["result"].(map[string]any); ok {
		resp.Result = result
	}
	if errMsg, ok := reply.Payload["error"].(string); ok {
		resp.Error = errMsg
	}
	if !resp.Success && resp.Error == "" {
		resp.Error = "request failed"
	}
	return resp
}
