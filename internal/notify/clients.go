package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ForegroundMessage is posted from the Gateway to a foreground window.
type ForegroundMessage struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// Window is a foreground client the Gateway can address.
type Window interface {
	ID() string
	Focus(ctx context.Context) error
	PostMessage(ctx context.Context, msg ForegroundMessage) error
}

// Clients enumerates and opens foreground windows.
type Clients interface {
	MatchAll(ctx context.Context) ([]Window, error)
	OpenWindow(ctx context.Context, url string) error
}

var ErrWindowGone = errors.New("window detached")

// LocalClients is an in-process Clients. Foreground code attaches windows
// and reads their messages; OpenWindow requests surface on Launches.
type LocalClients struct {
	mu       sync.Mutex
	windows  []*LocalWindow
	launches chan string
}

// NewLocalClients constructs a LocalClients.
func NewLocalClients(buffer int) *LocalClients {
	return &LocalClients{launches: make(chan string, buffer)}
}

// Attach registers a new window.
func (c *LocalClients) Attach(buffer int) *LocalWindow {
	w := &LocalWindow{
		id:       uuid.NewString(),
		messages: make(chan ForegroundMessage, buffer),
		owner:    c,
	}
	c.mu.Lock()
	c.windows = append(c.windows, w)
	c.mu.Unlock()
	return w
}

// Launches yields the URLs of windows the Gateway asked to open.
func (c *LocalClients) Launches() <-chan string {
	return c.launches
}

func (c *LocalClients) MatchAll(context.Context) ([]Window, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Window, 0, len(c.windows))
	for i := len(c.windows) - 1; i >= 0; i-- {
		out = append(out, c.windows[i])
	}
	return out, nil
}

func (c *LocalClients) OpenWindow(ctx context.Context, url string) error {
	select {
	case c.launches <- url:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *LocalClients) detach(w *LocalWindow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.windows {
		if existing == w {
			c.windows = append(c.windows[:i], c.windows[i+1:]...)
			return
		}
	}
}

// LocalWindow is a window attached to LocalClients. Focus moves it to the
// front of MatchAll.
type LocalWindow struct {
	id       string
	messages chan ForegroundMessage
	owner    *LocalClients
	once     sync.Once
}

func (w *LocalWindow) ID() string { return w.id }

// Messages yields the messages posted to the window.
func (w *LocalWindow) Messages() <-chan ForegroundMessage {
	return w.messages
}

func (w *LocalWindow) Focus(context.Context) error {
	c := w.owner
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.windows {
		if existing == w {
			c.windows = append(append(c.windows[:i:i], c.windows[i+1:]...), w)
			return nil
		}
	}
	return ErrWindowGone
}

func (w *LocalWindow) PostMessage(ctx context.Context, msg ForegroundMessage) error {
	select {
	case w.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Detach removes the window from its LocalClients.
func (w *LocalWindow) Detach() {
	w.once.Do(func() { w.owner.detach(w) })
}
