package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/invoicedl/internal/protocol"
	"github.com/ent0n29/invoicedl/internal/state"
)

var (
	ErrNotFound     = errors.New("client not connected")
	ErrOutboundFull = errors.New("client outbound queue full")
)

type conn struct {
	client   Client
	outbound chan<- any
}

// Hub tracks the connected client tabs and delivers server messages to them.
// A tab that reconnects replaces its previous connection.
type Hub struct {
	mu                sync.RWMutex
	conns             map[string]*conn
	connByTab         map[string]string
	inactivityTimeout time.Duration
	onExpire          func(Client)
}

func NewHub(inactivityTimeout time.Duration) *Hub {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Hub{
		conns:             make(map[string]*conn),
		connByTab:         make(map[string]string),
		inactivityTimeout: inactivityTimeout,
	}
}

func (h *Hub) SetExpireHook(hook func(Client)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onExpire = hook
}

// Attach registers a connection whose messages are queued on outbound.
func (h *Hub) Attach(ref state.ClientRef, outbound chan<- any) Client {
	now := time.Now().UTC()
	c := &conn{
		client: Client{
			ID:             uuid.NewString(),
			Ref:            ref,
			ConnectedAt:    now,
			LastActivityAt: now,
		},
		outbound: outbound,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.client.ID] = c
	if tab := strings.TrimSpace(ref.TabID); tab != "" {
		h.connByTab[tab] = c.client.ID
	}
	return c.client
}

func (h *Hub) Detach(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(clientID)
}

func (h *Hub) Get(clientID string) (Client, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[clientID]
	if !ok {
		return Client{}, ErrNotFound
	}
	return c.client, nil
}

func (h *Hub) Touch(clientID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[clientID]
	if !ok {
		return ErrNotFound
	}
	c.client.LastActivityAt = time.Now().UTC()
	return nil
}

// Connected reports whether a live connection exists for the tab.
func (h *Hub) Connected(tabID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connByTab[strings.TrimSpace(tabID)]
	return ok
}

// Send queues msg for the connection of tabID without blocking.
func (h *Hub) Send(tabID string, msg any) error {
	h.mu.RLock()
	id, ok := h.connByTab[strings.TrimSpace(tabID)]
	var c *conn
	if ok {
		c = h.conns[id]
	}
	h.mu.RUnlock()
	if c == nil {
		return ErrNotFound
	}
	select {
	case c.outbound <- msg:
		return nil
	default:
		return ErrOutboundFull
	}
}

// Broadcast queues msg on every connection and returns how many accepted it.
func (h *Hub) Broadcast(msg any) int {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		select {
		case c.outbound <- msg:
			n++
		default:
		}
	}
	return n
}

// PushState and PushStatus are best-effort: a missing or saturated client
// never fails the caller.
func (h *Hub) PushState(_ context.Context, st state.State) {
	h.Broadcast(protocol.StateEvent{Type: protocol.TypeState, State: st})
}

func (h *Hub) PushStatus(_ context.Context, text string) {
	h.Broadcast(protocol.StatusEvent{Type: protocol.TypeStatus, Text: text})
}

func (h *Hub) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.expireInactive()
			}
		}
	}()
}

func (h *Hub) ActiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) expireInactive() {
	now := time.Now().UTC()
	var expired []Client

	h.mu.Lock()
	for id, c := range h.conns {
		if now.Sub(c.client.LastActivityAt) < h.inactivityTimeout {
			continue
		}
		expired = append(expired, c.client)
		h.detachLocked(id)
	}
	hook := h.onExpire
	h.mu.Unlock()

	if hook != nil {
		for _, c := range expired {
			hook(c)
		}
	}
}

func (h *Hub) detachLocked(clientID string) {
	c, ok := h.conns[clientID]
	if !ok {
		return
	}
	delete(h.conns, clientID)
	tab := strings.TrimSpace(c.client.Ref.TabID)
	if h.connByTab[tab] == clientID {
		delete(h.connByTab, tab)
	}
}
