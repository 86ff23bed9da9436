package session

import (
	"strings"
	"time"

	"github.com/agentworkforce/relaypush/internal/feed"
)

type Credentials struct {
	Token    string `json:"token"`
	DeviceID string `json:"deviceId,omitempty"`
}

func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.Token) != ""
}

type Settings struct {
	AutoOpenLinks bool `json:"autoOpenLinks"`
	// DismissAfterOpen marks an auto-opened item dismissed upstream.
	DismissAfterOpen bool `json:"dismissAfterOpen"`
	Notifications    bool `json:"notifications"`
}

func DefaultSettings() Settings {
	return Settings{AutoOpenLinks: true, DismissAfterOpen: true, Notifications: true}
}

// Cache is the in-memory session aggregate. RecentItems is most-recent
// first with unique identifiers.
type Cache struct {
	User          feed.User     `json:"userInfo"`
	Devices       []feed.Device `json:"devices"`
	RecentItems   []feed.Item   `json:"recentItems"`
	Authenticated bool          `json:"authenticated"`
	LastUpdated   time.Time     `json:"lastUpdated"`
	CachedAt      time.Time     `json:"cachedAt"`
	Cutoff        int64         `json:"cutoff"`
}

func (c Cache) Clone() Cache {
	out := c
	out.Devices = append([]feed.Device(nil), c.Devices...)
	out.RecentItems = append([]feed.Item(nil), c.RecentItems...)
	return out
}

func (c Cache) Item(id string) (feed.Item, bool) {
	for _, item := range c.RecentItems {
		if item.ID == id {
			return item, true
		}
	}
	return feed.Item{}, false
}
