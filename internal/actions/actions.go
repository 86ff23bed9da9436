package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("action rate limited")

type Notification struct {
	ItemID string
	Title  string
	Body   string
	URL    string
	Source string
}

// Sink performs user-facing side effects. Callers treat failures as
// best-effort and only log them.
type Sink interface {
	OpenResource(ctx context.Context, uri string) error
	PresentNotification(ctx context.Context, n Notification) error
}

// LogSink records actions in the log instead of performing them.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) OpenResource(_ context.Context, uri string) error {
	s.logger().Info("open resource", "uri", uri)
	return nil
}

func (s LogSink) PresentNotification(_ context.Context, n Notification) error {
	s.logger().Info("notification", "item", n.ItemID, "title", n.Title, "source", n.Source)
	return nil
}

func (s LogSink) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Logger
}

type CommandOptions struct {
	// OpenCommand receives the uri as its last argument, e.g. ["xdg-open"].
	OpenCommand []string
	// NotifyCommand receives title and body as its last two arguments,
	// e.g. ["notify-send"].
	NotifyCommand []string
	// NotifyRate bounds notifications per second; NotifyBurst is the
	// bucket size.
	NotifyRate  float64
	NotifyBurst int
	Timeout     time.Duration
	Logger      *slog.Logger
}

// CommandSink runs host commands for each action. Notifications beyond the
// configured rate are dropped with ErrRateLimited.
type CommandSink struct {
	openCommand   []string
	notifyCommand []string
	limiter       *rate.Limiter
	timeout       time.Duration
	logger        *slog.Logger
	run           func(ctx context.Context, name string, args ...string) error
}

func NewCommandSink(opts CommandOptions) (*CommandSink, error) {
	if len(opts.OpenCommand) == 0 && len(opts.NotifyCommand) == 0 {
		return nil, fmt.Errorf("at least one of open or notify command is required")
	}
	if opts.NotifyRate <= 0 {
		opts.NotifyRate = 1
	}
	if opts.NotifyBurst <= 0 {
		opts.NotifyBurst = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CommandSink{
		openCommand:   append([]string(nil), opts.OpenCommand...),
		notifyCommand: append([]string(nil), opts.NotifyCommand...),
		limiter:       rate.NewLimiter(rate.Limit(opts.NotifyRate), opts.NotifyBurst),
		timeout:       opts.Timeout,
		logger:        logger,
		run:           runCommand,
	}, nil
}

func (s *CommandSink) OpenResource(ctx context.Context, uri string) error {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return fmt.Errorf("uri is required")
	}
	if len(s.openCommand) == 0 {
		s.logger.Info("open resource", "uri", uri)
		return nil
	}
	return s.exec(ctx, s.openCommand, uri)
}

func (s *CommandSink) PresentNotification(ctx context.Context, n Notification) error {
	if !s.limiter.Allow() {
		return ErrRateLimited
	}
	if len(s.notifyCommand) == 0 {
		s.logger.Info("notification", "item", n.ItemID, "title", n.Title)
		return nil
	}
	title := n.Title
	if title == "" {
		title = n.Source
	}
	body := n.Body
	if body == "" {
		body = n.URL
	}
	return s.exec(ctx, s.notifyCommand, title, body)
}

func (s *CommandSink) exec(ctx context.Context, command []string, extra ...string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	args := append(append([]string(nil), command[1:]...), extra...)
	if err := s.run(ctx, command[0], args...); err != nil {
		return fmt.Errorf("%s: %w", command[0], err)
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(output)); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
