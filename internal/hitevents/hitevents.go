// Package hitevents publishes forwarded map interaction events to Kafka.
package hitevents

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/paulmach/orb"
	"github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/cartodb-layer/internal/core/observability"
	"github.com/mohammed-shakir/cartodb-layer/pkg/layer"
)

const DefaultH3Res = 9

type Event struct {
	Account string         `json:"account"`
	Table   string         `json:"table"`
	Kind    string         `json:"kind"`
	Lon     float64        `json:"lon"`
	Lat     float64        `json:"lat"`
	H3Cell  string         `json:"h3_cell,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	TS      time.Time      `json:"ts"`
}

// FromInteraction builds an event for a forwarded interaction. Only clicks
// carry a position, so only they are tagged with an H3 cell at res.
func FromInteraction(account, table string, kind layer.EventKind, ll orb.Point, data layer.Feature, res int) Event {
	ev := Event{
		Account: account,
		Table:   table,
		Kind:    kind.String(),
		Data:    data,
		TS:      time.Now().UTC(),
	}
	if kind != layer.PointerUp {
		return ev
	}
	ev.Lon, ev.Lat = ll.Lon(), ll.Lat()
	ev.H3Cell = CellFor(ll, res)
	return ev
}

// CellFor returns the hex H3 index of ll, or "" when res or ll is invalid.
func CellFor(ll orb.Point, res int) string {
	if res < 0 || res > 15 {
		return ""
	}
	cell, err := h3.LatLngToCell(h3.NewLatLng(ll.Lat(), ll.Lon()), res)
	if err != nil {
		return ""
	}
	return cell.String()
}

type Publisher struct {
	logger  *slog.Logger
	topic   string
	events  chan Event
	prod    sarama.AsyncProducer
	stopped chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

func NewPublisher(logger *slog.Logger, brokers []string, topic string, queueSize int) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("hitevents: create async producer: %w", err)
	}
	return newPublisher(logger, prod, topic, queueSize), nil
}

func newPublisher(logger *slog.Logger, prod sarama.AsyncProducer, topic string, queueSize int) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	p := &Publisher{
		logger:  logger,
		topic:   topic,
		events:  make(chan Event, queueSize),
		prod:    prod,
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.logger.Warn("hitevents: marshal", "err", err)
				observability.IncEventPublished("marshal_error")
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Account + "/" + ev.Table),
				Value: sarama.ByteEncoder(b),
			}
			observability.IncEventPublished("sent")
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				p.logger.Warn("hitevents: producer error", "err", err)
				observability.IncEventPublished("error")
			}
		}
	}()

	return p
}

// Publish enqueues ev without blocking; it reports false when the event
// was dropped because the queue is full or the publisher is closed.
func (p *Publisher) Publish(ev Event) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		observability.IncEventPublished("closed")
		return false
	}
	select {
	case p.events <- ev:
		return true
	default:
		observability.IncEventPublished("dropped")
		return false
	}
}

// Close drains queued events into the producer and closes it. Later calls
// return the first result.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.events)
		p.mu.Unlock()
		<-p.stopped

		if err := p.prod.Close(); err != nil {
			p.closeErr = fmt.Errorf("hitevents: close producer: %w", err)
		}
	})
	return p.closeErr
}
