package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidCursor = errors.New("invalid cursor")
	ErrUnauthorized  = errors.New("unauthorized")
)

const (
	KindLink = "link"
	KindNote = "note"
	KindFile = "file"
)

// Item is one event of the remote feed. Created and Modified are unix
// milliseconds assigned by the server.
type Item struct {
	ID           string `json:"iden"`
	Kind         string `json:"type"`
	Active       bool   `json:"active"`
	Dismissed    bool   `json:"dismissed"`
	Created      int64  `json:"created"`
	Modified     int64  `json:"modified"`
	Title        string `json:"title,omitempty"`
	Body         string `json:"body,omitempty"`
	URL          string `json:"url,omitempty"`
	SenderName   string `json:"sender_name,omitempty"`
	SourceDevice string `json:"source_device_iden,omitempty"`
	TargetDevice string `json:"target_device_iden,omitempty"`
}

type User struct {
	ID    string `json:"iden"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type Device struct {
	ID       string `json:"iden"`
	Nickname string `json:"nickname,omitempty"`
	Model    string `json:"model,omitempty"`
	Active   bool   `json:"active"`
}

type Account struct {
	User    User     `json:"user"`
	Devices []Device `json:"devices"`
}

type ItemPage struct {
	Items []Item `json:"pushes"`
}

type DeviceList struct {
	Devices []Device `json:"devices"`
}

// Client is the remote feed. FetchSince returns items modified strictly
// after cutoff in ascending modification order.
type Client interface {
	FetchSince(ctx context.Context, cutoff int64, limit int) ([]Item, error)
	FetchAll(ctx context.Context) (Account, error)
	Dismiss(ctx context.Context, id string) error
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrInvalidCursor:
		return e.Code == "invalid_cursor" && (e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusGone)
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// MaxModified returns the largest modification time in items, or zero.
func MaxModified(items []Item) int64 {
	var latest int64
	for _, item := range items {
		if item.Modified > latest {
			latest = item.Modified
		}
	}
	return latest
}
