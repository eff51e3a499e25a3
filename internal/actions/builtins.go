// Package actions provides the built-in actions of the engine. Local actions
// run in-process; the rest forward to a remote collaborator.
package actions

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"taskflow/internal/core"
	"taskflow/internal/notify"
)

var (
	// ErrNoCollaborator is returned by forwarding actions when no remote
	// collaborator is configured.
	ErrNoCollaborator = errors.New("no collaborator configured")
	// ErrInvalidParams marks missing or mistyped action parameters.
	ErrInvalidParams = errors.New("invalid action parameters")
)

// Remote executes an action in an external collaborator process.
type Remote interface {
	Call(ctx context.Context, action string, params core.Params) (any, error)
}

// Config carries the collaborators of the built-in actions. Nil collaborators
// make the matching actions fail.
type Config struct {
	Notifier       notify.Notifier
	Remote         Remote
	CommandTimeout time.Duration
	Logger         zerolog.Logger
}

// Builtins implements the built-in action handlers.
type Builtins struct {
	notifier notify.Notifier
	remote   Remote
	runner   *CommandRunner
	goos     string
	logger   zerolog.Logger
}

func New(cfg Config) *Builtins {
	return &Builtins{
		notifier: cfg.Notifier,
		remote:   cfg.Remote,
		runner:   NewCommandRunner(cfg.CommandTimeout, cfg.Logger),
		goos:     runtime.GOOS,
		logger:   cfg.Logger,
	}
}

// Register adds every built-in action to reg.
func (b *Builtins) Register(reg *core.Registry) {
	reg.Register("print", b.Print)
	reg.Register("notify", b.Notify)
	reg.Register("run_command", b.RunCommand)
	reg.Register("backup", b.Backup)
	reg.Register("send_message", b.SendMessage)
	reg.Register("web_audit", b.WebAudit)
	reg.Register("generate_report", b.GenerateReport)
}

func (b *Builtins) Print(ctx context.Context, params core.Params) (any, error) {
	message := fmt.Sprint(params["message"])
	if params["message"] == nil {
		message = ""
	}
	b.logger.Info().Str("message", message).Msg("print")
	return message, nil
}

func (b *Builtins) Notify(ctx context.Context, params core.Params) (any, error) {
	if b.notifier == nil {
		return nil, fmt.Errorf("notify: %w", ErrNoCollaborator)
	}
	message, err := requireString(params, "message")
	if err != nil {
		return nil, err
	}
	title := optionalString(params, "title", "Taskflow")
	if err := b.notifier.Send(ctx, title, message); err != nil {
		return nil, err
	}
	return true, nil
}

func (b *Builtins) RunCommand(ctx context.Context, params core.Params) (any, error) {
	command, err := requireString(params, "command")
	if err != nil {
		return nil, err
	}
	return b.runner.Run(ctx, command, optionalString(params, "working_dir", ""))
}

func (b *Builtins) Backup(ctx context.Context, params core.Params) (any, error) {
	source, err := requireString(params, "source")
	if err != nil {
		return nil, err
	}
	destination, err := requireString(params, "destination")
	if err != nil {
		return nil, err
	}
	if _, err := b.runner.Run(ctx, backupCommand(b.goos, source, destination), ""); err != nil {
		return nil, fmt.Errorf("backup %s: %w", source, err)
	}
	return true, nil
}

func (b *Builtins) SendMessage(ctx context.Context, params core.Params) (any, error) {
	if err := requireAll(params, "platform", "recipient", "message"); err != nil {
		return nil, err
	}
	return b.forward(ctx, "send_message", params)
}

func (b *Builtins) WebAudit(ctx context.Context, params core.Params) (any, error) {
	if err := requireAll(params, "url"); err != nil {
		return nil, err
	}
	params = withDefault(params, "format", "pdf")
	return b.forward(ctx, "web_audit", params)
}

func (b *Builtins) GenerateReport(ctx context.Context, params core.Params) (any, error) {
	if err := requireAll(params, "title", "content"); err != nil {
		return nil, err
	}
	params = withDefault(params, "format", "pdf")
	return b.forward(ctx, "generate_report", params)
}

func (b *Builtins) forward(ctx context.Context, action string, params core.Params) (any, error) {
	if b.remote == nil {
		return nil, fmt.Errorf("%s: %w", action, ErrNoCollaborator)
	}
	return b.remote.Call(ctx, action, params)
}

func requireString(params core.Params, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidParams, key)
	}
	return v, nil
}

func requireAll(params core.Params, keys ...string) error {
	for _, key := range keys {
		if _, err := requireString(params, key); err != nil {
			return err
		}
	}
	return nil
}

func optionalString(params core.Params, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func withDefault(params core.Params, key string, value any) core.Params {
	if _, ok := params[key]; ok {
		return params
	}
	out := params.Clone()
	out[key] = value
	return out
}
