// Package fanout delivers committed change batches to WebSocket subscribers.
// Clients subscribe by class, by "<class>/<id>" object path, or by scope; a
// connection whose routes match any item of a batch receives the whole batch
// in a single frame.
package fanout

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/reflectdb/reflectdb/internal/metrics"
	"github.com/reflectdb/reflectdb/internal/model"
)

type subKind string

const (
	subClass  subKind = "class"
	subObject subKind = "object"
	subScope  subKind = "scope"
)

type subKey struct {
	kind  subKind
	value string
}

// Hub tracks connections and their subscription routes. One exclusive lock
// covers both the route maps and the per-connection subscription sets so
// disconnect cleanup cannot race a route lookup.
type Hub struct {
	mu     sync.Mutex
	conns  map[*conn]bool
	routes map[subKey]map[*conn]bool

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		conns:   map[*conn]bool{},
		routes:  map[subKey]map[*conn]bool{},
		logger:  logger,
		metrics: m,
	}
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ConnectionsActive.Inc()
	}
}

// remove drops the connection and releases every route it held.
func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	if !h.conns[c] {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	for key := range c.subs {
		if set, ok := h.routes[key]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.routes, key)
			}
		}
	}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ConnectionsActive.Dec()
	}
	h.updateGauges()
}

func (h *Hub) subscribe(c *conn, key subKey) {
	h.mu.Lock()
	if h.routes[key] == nil {
		h.routes[key] = map[*conn]bool{}
	}
	h.routes[key][c] = true
	c.subs[key] = true
	h.mu.Unlock()
	h.updateGauges()
}

func (h *Hub) unsubscribe(c *conn, key subKey) {
	h.mu.Lock()
	if set, ok := h.routes[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.routes, key)
		}
	}
	delete(c.subs, key)
	h.mu.Unlock()
	h.updateGauges()
}

// Broadcast routes a batch: subscription routes only select the receivers,
// the payload stays whole. Every connection subscribed to any item's class,
// object path, or scope receives the complete batch exactly once; connections
// belonging to the sender are skipped. Returns the number of frames sent.
func (h *Hub) Broadcast(items []model.Record, senderUserID string) int {
	h.mu.Lock()
	receivers := map[*conn]bool{}
	for _, item := range items {
		for _, key := range itemRoutes(item) {
			for c := range h.routes[key] {
				if senderUserID != "" && c.userID == senderUserID {
					continue
				}
				receivers[c] = true
			}
		}
	}
	h.mu.Unlock()

	if len(receivers) == 0 {
		return 0
	}
	frame, err := json.Marshal(map[string]any{
		"type":  "changes",
		"items": items,
	})
	if err != nil {
		h.logger.Error("marshal change frame", slog.String("error", err.Error()))
		return 0
	}
	sent := 0
	for c := range receivers {
		if c.enqueue(frame) {
			sent++
		}
	}
	if h.metrics != nil && sent > 0 {
		h.metrics.FramesSent.Add(float64(sent))
	}
	return sent
}

// itemRoutes lists the route keys one change item can match.
func itemRoutes(item model.Record) []subKey {
	classID := item.ClassID()
	keys := make([]subKey, 0, 3)
	if classID != "" {
		keys = append(keys, subKey{subClass, classID})
		if id := item.ID(); id != "" {
			keys = append(keys, subKey{subObject, classID + "/" + id})
		}
	}
	if scope := model.IDString(item[model.FieldScopeID]); scope != "" {
		keys = append(keys, subKey{subScope, scope})
	}
	return keys
}

// Stats is the health counter snapshot.
type Stats struct {
	Connections   int `json:"connections"`
	ClassSubs     int `json:"class_subscriptions"`
	ObjectSubs    int `json:"object_subscriptions"`
	ScopeSubs     int `json:"scope_subscriptions"`
	Subscriptions int `json:"subscriptions"`
}

// Stats returns current connection and subscription counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Stats{Connections: len(h.conns)}
	for key, set := range h.routes {
		n := len(set)
		s.Subscriptions += n
		switch key.kind {
		case subClass:
			s.ClassSubs += n
		case subObject:
			s.ObjectSubs += n
		case subScope:
			s.ScopeSubs += n
		}
	}
	return s
}

func (h *Hub) updateGauges() {
	if h.metrics == nil {
		return
	}
	s := h.Stats()
	h.metrics.UpdateSubscriptions(string(subClass), float64(s.ClassSubs))
	h.metrics.UpdateSubscriptions(string(subObject), float64(s.ObjectSubs))
	h.metrics.UpdateSubscriptions(string(subScope), float64(s.ScopeSubs))
}

// CloseAll disconnects every client, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
