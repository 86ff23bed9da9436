package feed

import (
	"context"
	"sort"
	"sync"
)

// MemoryClient is an in-process feed. Items are served sorted by
// modification time.
type MemoryClient struct {
	mu sync.Mutex

	items     []Item
	account   Account
	dismissed []string

	FetchSinceErr error
	FetchAllErr   error
	DismissErr    error

	fetchSinceCalls int
	fetchAllCalls   int
	// FetchAllHook runs inside FetchAll before it returns; tests block on it.
	FetchAllHook func(ctx context.Context)
}

func NewMemoryClient(account Account, items ...Item) *MemoryClient {
	c := &MemoryClient{account: account}
	c.items = append(c.items, items...)
	return c
}

func (c *MemoryClient) Add(items ...Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range items {
		replaced := false
		for i := range c.items {
			if c.items[i].ID == item.ID {
				c.items[i] = item
				replaced = true
				break
			}
		}
		if !replaced {
			c.items = append(c.items, item)
		}
	}
}

func (c *MemoryClient) FetchSince(ctx context.Context, cutoff int64, limit int) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchSinceCalls++
	if c.FetchSinceErr != nil {
		return nil, c.FetchSinceErr
	}
	out := make([]Item, 0, len(c.items))
	for _, item := range c.items {
		if item.Modified > cutoff {
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Modified < out[j].Modified })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *MemoryClient) FetchAll(ctx context.Context) (Account, error) {
	c.mu.Lock()
	c.fetchAllCalls++
	hook := c.FetchAllHook
	err := c.FetchAllErr
	account := c.account
	c.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	if err != nil {
		return Account{}, err
	}
	account.Devices = append([]Device(nil), account.Devices...)
	return account, nil
}

func (c *MemoryClient) Dismiss(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DismissErr != nil {
		return c.DismissErr
	}
	c.dismissed = append(c.dismissed, id)
	for i := range c.items {
		if c.items[i].ID == id {
			c.items[i].Dismissed = true
		}
	}
	return nil
}

func (c *MemoryClient) Dismissed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.dismissed...)
}

func (c *MemoryClient) FetchSinceCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchSinceCalls
}

func (c *MemoryClient) FetchAllCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchAllCalls
}
