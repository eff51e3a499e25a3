// Package natsx connects the engine to a NATS bus: remote actions are
// request/reply calls, events arrive on a subject tree and finished results
// are published for other services.
package natsx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"taskflow/internal/core"
)

const DefaultTimeout = 30 * time.Second

// ErrRemote wraps an error reported by the remote collaborator.
var ErrRemote = errors.New("remote action failed")

// Emitter receives events taken off the bus.
type Emitter interface {
	EmitEvent(ctx context.Context, event string, data any) []*core.TaskResult
}

type actionRequest struct {
	Action string      `json:"action"`
	Params core.Params `json:"params"`
}

type actionReply struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Bridge wraps a NATS connection under a subject prefix.
type Bridge struct {
	conn    *nats.Conn
	prefix  string
	timeout time.Duration
	logger  zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials url and returns a bridge owning the connection.
func Connect(url, prefix string, timeout time.Duration, logger zerolog.Logger) (*Bridge, error) {
	conn, err := nats.Connect(url,
		nats.Name("taskflow"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewBridge(conn, prefix, timeout, logger), nil
}

func NewBridge(conn *nats.Conn, prefix string, timeout time.Duration, logger zerolog.Logger) *Bridge {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "taskflow"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{conn: conn, prefix: prefix, timeout: timeout, logger: logger}
}

// Call sends the action to <prefix>.actions.<action> and waits for the reply.
func (b *Bridge) Call(ctx context.Context, action string, params core.Params) (any, error) {
	data, err := json.Marshal(actionRequest{Action: action, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", action, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	msg, err := b.conn.RequestWithContext(ctx, b.actionSubject(action), data)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", action, err)
	}
	return decodeReply(msg.Data)
}

// ListenEvents subscribes to <prefix>.events.> and emits every message as an
// event named by the subject remainder. The JSON payload, if any, becomes the
// event data.
func (b *Bridge) ListenEvents(ctx context.Context, emitter Emitter) error {
	sub, err := b.conn.Subscribe(b.prefix+".events.>", func(msg *nats.Msg) {
		name, ok := b.eventName(msg.Subject)
		if !ok {
			return
		}
		results := emitter.EmitEvent(ctx, name, decodeEventData(msg.Data))
		b.logger.Debug().Str("event", name).Int("executions", len(results)).Msg("event received from bus")
	})
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// PublishResult announces a finished execution on <prefix>.results.<task_id>.
func (b *Bridge) PublishResult(result *core.TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return b.conn.Publish(b.prefix+".results."+result.TaskID, data)
}

// Observer returns an observer that publishes finished results and then
// delegates to next.
func (b *Bridge) Observer(next core.Observer) core.Observer {
	return &resultPublisher{bridge: b, next: next}
}

// Close drains subscriptions and closes the connection.
func (b *Bridge) Close() {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

func (b *Bridge) actionSubject(action string) string {
	return b.prefix + ".actions." + action
}

func (b *Bridge) eventName(subject string) (string, bool) {
	name, ok := strings.CutPrefix(subject, b.prefix+".events.")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

func decodeReply(data []byte) (any, error) {
	var reply actionReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRemote, reply.Error)
	}
	return reply.Result, nil
}

func decodeEventData(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return string(data)
	}
	return value
}

type resultPublisher struct {
	bridge *Bridge
	next   core.Observer
}

func (p *resultPublisher) ExecutionStarted(task *core.Task) {
	if p.next != nil {
		p.next.ExecutionStarted(task)
	}
}

func (p *resultPublisher) ExecutionFinished(task *core.Task, result *core.TaskResult) {
	if err := p.bridge.PublishResult(result); err != nil {
		p.bridge.logger.Warn().Err(err).Str("task_id", task.ID).Msg("publish result failed")
	}
	if p.next != nil {
		p.next.ExecutionFinished(task, result)
	}
}

func (p *resultPublisher) FiringSkipped(task *core.Task) {
	if p.next != nil {
		p.next.FiringSkipped(task)
	}
}

func (p *resultPublisher) PersistFailed(err error) {
	if p.next != nil {
		p.next.PersistFailed(err)
	}
}
