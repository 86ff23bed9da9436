package actions

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type call struct {
	name string
	args []string
}

func newRecordingSink(t *testing.T, opts CommandOptions) (*CommandSink, *[]call) {
	t.Helper()
	sink, err := NewCommandSink(opts)
	if err != nil {
		t.Fatalf("new command sink: %v", err)
	}
	calls := &[]call{}
	sink.run = func(_ context.Context, name string, args ...string) error {
		*calls = append(*calls, call{name: name, args: args})
		return nil
	}
	return sink, calls
}

func TestCommandSinkOpenResource(t *testing.T) {
	sink, calls := newRecordingSink(t, CommandOptions{OpenCommand: []string{"xdg-open", "--"}})
	if err := sink.OpenResource(context.Background(), " https://example.com/a "); err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(*calls) != 1 {
		t.Fatalf("expected one command, got %d", len(*calls))
	}
	got := (*calls)[0]
	if got.name != "xdg-open" || strings.Join(got.args, " ") != "-- https://example.com/a" {
		t.Fatalf("unexpected command %+v", got)
	}
	if err := sink.OpenResource(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty uri")
	}
}

func TestCommandSinkRateLimitsNotifications(t *testing.T) {
	sink, calls := newRecordingSink(t, CommandOptions{
		NotifyCommand: []string{"notify-send"},
		NotifyRate:    0.001,
		NotifyBurst:   2,
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := sink.PresentNotification(ctx, Notification{Title: "t", Body: "b"}); err != nil {
			t.Fatalf("notification %d: %v", i, err)
		}
	}
	if err := sink.PresentNotification(ctx, Notification{Title: "t"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if len(*calls) != 2 {
		t.Fatalf("expected 2 notify commands, got %d", len(*calls))
	}
	if args := (*calls)[0].args; len(args) != 2 || args[0] != "t" || args[1] != "b" {
		t.Fatalf("unexpected notify args %v", args)
	}
}

func TestCommandSinkWrapsFailures(t *testing.T) {
	sink, _ := newRecordingSink(t, CommandOptions{OpenCommand: []string{"opener"}})
	boom := errors.New("exit status 1")
	sink.run = func(context.Context, string, ...string) error { return boom }
	if err := sink.OpenResource(context.Background(), "https://example.com"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped failure, got %v", err)
	}
}

func TestNewCommandSinkRequiresCommand(t *testing.T) {
	if _, err := NewCommandSink(CommandOptions{}); err == nil {
		t.Fatalf("expected error without commands")
	}
}

func TestLogSink(t *testing.T) {
	var sink Sink = LogSink{}
	if err := sink.OpenResource(context.Background(), "https://example.com"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := sink.PresentNotification(context.Background(), Notification{Title: "x"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
}
