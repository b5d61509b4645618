package publisher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"bus-tracker/internal/activity"
	"bus-tracker/internal/bus"
	"bus-tracker/internal/supervisor"
)

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
	Close()
}

type NATSPublisher struct {
	nc          conn
	prefix      string
	origin      string
	logSubjects bool
	log         logrus.FieldLogger
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, log logrus.FieldLogger, m PublisherMetrics) (*NATSPublisher, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "publisher")
	nc, err := nats.Connect(url,
		nats.Name("bus-tracker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return newPublisher(nc, prefix, logSubjects, log, m), nil
}

func newPublisher(nc conn, prefix string, logSubjects bool, log logrus.FieldLogger, m PublisherMetrics) *NATSPublisher {
	if prefix = strings.Trim(prefix, ". "); prefix == "" {
		prefix = "bustracker"
	}
	return &NATSPublisher{
		nc:          nc,
		prefix:      prefix,
		origin:      uuid.NewString(),
		logSubjects: logSubjects,
		log:         log,
		metrics:     m,
	}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

type BusMessage struct {
	Bus         bus.View  `json:"bus"`
	PublishedAt time.Time `json:"publishedAt"`
}

type ActivityMessage struct {
	Origin string         `json:"origin"`
	Entry  activity.Entry `json:"entry"`
}

type StatusMessage struct {
	Status      supervisor.Status `json:"status"`
	PublishedAt time.Time         `json:"publishedAt"`
}

func (p *NATSPublisher) BusSubject(busID int) string {
	return fmt.Sprintf("%s.bus.%s", p.prefix, subjectToken(bus.DocID(busID)))
}

func (p *NATSPublisher) ActivitySubject(kind activity.Kind) string {
	return fmt.Sprintf("%s.activity.%s", p.prefix, subjectToken(string(kind)))
}

func (p *NATSPublisher) PublishBusView(v bus.View) error {
	return p.publish(p.BusSubject(v.ID), BusMessage{Bus: v, PublishedAt: time.Now().UTC()})
}

// PublishActivity implements activity.Forwarder.
func (p *NATSPublisher) PublishActivity(e activity.Entry) error {
	return p.publish(p.ActivitySubject(e.Kind), ActivityMessage{Origin: p.origin, Entry: e})
}

func (p *NATSPublisher) PublishStatus(s supervisor.Status) error {
	return p.publish(p.prefix+".status", StatusMessage{Status: s, PublishedAt: time.Now().UTC()})
}

// FollowFleet publishes the view of every bus a fleet change touches.
func (p *NATSPublisher) FollowFleet(f *bus.Fleet) (unwatch func()) {
	return f.Watch(func(ch bus.Change) {
		for _, id := range ch.BusIDs {
			v, ok := f.View(id)
			if !ok {
				continue
			}
			if err := p.PublishBusView(v); err != nil {
				p.log.WithError(err).WithField("bus", id).Warn("publish bus view failed")
			}
		}
	})
}

// SubscribeActivity delivers entries published by other instances.
func (p *NATSPublisher) SubscribeActivity(fn func(activity.Entry)) (unsubscribe func(), err error) {
	subject := p.prefix + ".activity.>"
	sub, err := p.nc.Subscribe(subject, func(msg *nats.Msg) {
		var m ActivityMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			p.log.WithError(err).WithField("subject", msg.Subject).Warn("dropping undecodable activity message")
			return
		}
		if m.Origin == p.origin {
			return
		}
		fn(m.Entry)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return func() {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}, nil
}

func (p *NATSPublisher) publish(subject string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		p.log.WithField("subject", subject).Debug("nats publish")
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
