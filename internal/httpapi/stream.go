package httpapi

import (
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"bus-tracker/internal/activity"
	"bus-tracker/internal/bus"
	"bus-tracker/internal/coordinator"
	"bus-tracker/internal/supervisor"
)

// Notices fans coordinator write outcomes out to connected streams.
type Notices struct {
	mu   sync.Mutex
	subs map[int]func(coordinator.Notice)
	next int
}

func NewNotices() *Notices {
	return &Notices{subs: make(map[int]func(coordinator.Notice))}
}

func (n *Notices) Notify(notice coordinator.Notice) {
	n.mu.Lock()
	fns := make([]func(coordinator.Notice), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(notice)
	}
}

func (n *Notices) Subscribe(fn func(coordinator.Notice)) (unsubscribe func()) {
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

type noticeEvent struct {
	BusID   int    `json:"busId"`
	Action  string `json:"action"`
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type event struct {
	name string
	data any
}

// streamBuffer bounds the per-client backlog. A client that falls further
// behind misses events and catches up with the next snapshot it requests.
const streamBuffer = 64

// stream is a server-sent event feed: one snapshot, then bus, status,
// notice and activity events as they happen.
func (s *Server) stream(c *gin.Context) {
	events := make(chan event, streamBuffer)
	log := s.log.WithField("client_ip", c.ClientIP())
	send := func(e event) {
		select {
		case events <- e:
		default:
			log.WithField("event", e.name).Debug("stream client behind, event dropped")
		}
	}

	unwatch := s.Fleet.Watch(func(ch bus.Change) {
		for _, id := range ch.BusIDs {
			if v, ok := s.Fleet.View(id); ok {
				send(event{"bus", v})
			}
		}
	})
	defer unwatch()
	unstatus := s.Status.OnStatus(func(st supervisor.Status) { send(event{"status", st}) })
	defer unstatus()
	unnotice := s.Notices.Subscribe(func(n coordinator.Notice) {
		send(event{"notice", noticeEvent{
			BusID:   n.BusID,
			Action:  string(n.Action),
			OK:      n.OK,
			Code:    string(n.Code),
			Message: n.Message,
		}})
	})
	defer unnotice()
	if s.Activity != nil {
		unact := s.Activity.Subscribe(func(e activity.Entry) { send(event{"activity", e}) })
		defer unact()
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("snapshot", gin.H{"version": s.Fleet.Version(), "buses": s.Fleet.Views()})
	c.SSEvent("status", s.Status.Status())
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.Heartbeat)
	defer heartbeat.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case e := <-events:
			c.SSEvent(e.name, e.data)
		case <-heartbeat.C:
			_, _ = io.WriteString(w, ": ping\n\n")
		}
		return true
	})
}
