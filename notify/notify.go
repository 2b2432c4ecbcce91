// Package notify keeps the transient notifications shown after user
// actions. Notifications expire on their own after a fixed lifetime.
package notify

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLifetime is how long a notification stays visible.
const DefaultLifetime = 5 * time.Second

// Kind is the severity of a notification.
type Kind string

const (
	Success Kind = "success"
	Error   Kind = "error"
	Warning Kind = "warning"
	Info    Kind = "info"
)

// Toast is one notification.
type Toast struct {
	ID        string
	Kind      Kind
	Message   string
	CreatedAt time.Time
}

// Center holds the active notifications.
type Center struct {
	mu       sync.Mutex
	toasts   []Toast
	lifetime time.Duration
	now      func() time.Time
}

// Option configures a Center.
type Option func(*Center)

// WithLifetime overrides DefaultLifetime.
func WithLifetime(d time.Duration) Option {
	return func(c *Center) {
		c.lifetime = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Center) {
		c.now = now
	}
}

// NewCenter returns an empty notification center.
func NewCenter(opts ...Option) *Center {
	c := &Center{lifetime: DefaultLifetime, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add records a notification and returns it.
func (c *Center) Add(kind Kind, message string) Toast {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := Toast{ID: uuid.NewString(), Kind: kind, Message: message, CreatedAt: c.now()}
	c.toasts = append(c.toasts, t)
	return t
}

func (c *Center) Success(message string) Toast { return c.Add(Success, message) }

func (c *Center) Error(message string) Toast { return c.Add(Error, message) }

// Remove dismisses the notification with id. It reports whether one was
// removed.
func (c *Center) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.toasts)
	c.toasts = slices.DeleteFunc(c.toasts, func(t Toast) bool { return t.ID == id })
	return len(c.toasts) != n
}

// Active returns the unexpired notifications, oldest first. Expired ones are
// dropped.
func (c *Center) Active() []Toast {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.toasts = slices.DeleteFunc(c.toasts, func(t Toast) bool {
		return now.Sub(t.CreatedAt) >= c.lifetime
	})
	return slices.Clone(c.toasts)
}
