package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/mohamedkhairy/echoroom/internal/storage"
	"github.com/mohamedkhairy/echoroom/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	presencePublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echoroom_presence_publish_total",
			Help: "Total number of presence events published",
		},
		[]string{"status"},
	)

	presencePublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "echoroom_presence_publish_errors_total",
			Help: "Total number of presence events that failed after retries",
		},
	)

	presenceDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "echoroom_presence_dropped_total",
			Help: "Total number of presence events dropped because the queue was full",
		},
	)
)

// Presence statuses
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// PresenceEvent is published on the presence channel on every transition
type PresenceEvent struct {
	Identity  string    `json:"identity"`
	Handle    string    `json:"handle"`
	Status    string    `json:"status"`
	Instance  string    `json:"instance"`
	Timestamp time.Time `json:"timestamp"`
}

// PresencePublisherConfig holds configuration for the presence publisher
type PresencePublisherConfig struct {
	Channel       string
	OnlineSetKey  string
	InstanceID    string
	QueueSize     int
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultPresencePublisherConfig returns default configuration
func DefaultPresencePublisherConfig(channel string, instanceID string) PresencePublisherConfig {
	return PresencePublisherConfig{
		Channel:       channel,
		OnlineSetKey:  channel + ":online",
		InstanceID:    instanceID,
		QueueSize:     1024,
		RetryAttempts: 3,
		RetryDelay:    100 * time.Millisecond,
	}
}

// PresencePublisher mirrors online/offline transitions to Redis: the online
// set under OnlineSetKey and one PresenceEvent per transition on Channel.
// Online and Offline never block the caller.
type PresencePublisher struct {
	config PresencePublisherConfig
	redis  storage.RedisClient
	queue  chan PresenceEvent
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	now    func() time.Time
}

// NewPresencePublisher creates a new presence publisher
func NewPresencePublisher(redis storage.RedisClient, config PresencePublisherConfig) *PresencePublisher {
	ctx, cancel := context.WithCancel(context.Background())

	return &PresencePublisher{
		config: config,
		redis:  redis,
		queue:  make(chan PresenceEvent, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Start starts the publishing loop
func (p *PresencePublisher) Start() {
	p.wg.Add(1)
	go p.publishLoop()
}

// Online records that identity has a live connection
func (p *PresencePublisher) Online(identity models.Identity) {
	p.enqueue(identity, StatusOnline)
}

// Offline records that identity has no live connection
func (p *PresencePublisher) Offline(identity models.Identity) {
	p.enqueue(identity, StatusOffline)
}

func (p *PresencePublisher) enqueue(identity models.Identity, status string) {
	event := PresenceEvent{
		Identity:  identity.Key,
		Handle:    identity.Handle,
		Status:    status,
		Instance:  p.config.InstanceID,
		Timestamp: p.now().UTC(),
	}
	select {
	case p.queue <- event:
	default:
		presenceDropped.Inc()
		logger.Warn("Presence queue full, dropping event",
			logger.Identity(identity.Key),
			logger.String("status", status),
		)
	}
}

func (p *PresencePublisher) publishLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			// Drain what is already queued
			for {
				select {
				case event := <-p.queue:
					p.publish(event)
				default:
					return
				}
			}
		case event := <-p.queue:
			p.publish(event)
		}
	}
}

// publish updates the online set and publishes the event with retries
func (p *PresencePublisher) publish(event PresenceEvent) {
	// Background context: the drain on shutdown must still reach Redis
	ctx := context.Background()

	var err error
	for attempt := 0; attempt < p.config.RetryAttempts; attempt++ {
		err = p.apply(ctx, event)
		if err == nil {
			break
		}

		if attempt < p.config.RetryAttempts-1 {
			logger.Warn("Failed to publish presence, retrying",
				logger.ErrorField(err),
				logger.Identity(event.Identity),
				logger.Int("attempt", attempt+1),
			)
			time.Sleep(p.config.RetryDelay * time.Duration(attempt+1))
		}
	}

	if err != nil {
		presencePublishErrors.Inc()
		logger.Error("Failed to publish presence after retries",
			logger.ErrorField(err),
			logger.Identity(event.Identity),
			logger.String("status", event.Status),
		)
		return
	}

	presencePublishTotal.WithLabelValues(event.Status).Inc()
	logger.Debug("Published presence",
		logger.Identity(event.Identity),
		logger.String("status", event.Status),
	)
}

func (p *PresencePublisher) apply(ctx context.Context, event PresenceEvent) error {
	var err error
	if event.Status == StatusOnline {
		err = p.redis.SetAdd(ctx, p.config.OnlineSetKey, event.Identity)
	} else {
		err = p.redis.SetRemove(ctx, p.config.OnlineSetKey, event.Identity)
	}
	if err != nil {
		return fmt.Errorf("failed to update online set: %w", err)
	}
	if err := p.redis.Publish(ctx, p.config.Channel, event); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.config.Channel, err)
	}
	return nil
}

// OnlineIdentities returns the identity keys currently in the online set
func (p *PresencePublisher) OnlineIdentities(ctx context.Context) ([]string, error) {
	return p.redis.SetMembers(ctx, p.config.OnlineSetKey)
}

// Subscribe returns presence events published by other instances.
// The channel closes when ctx is cancelled.
func (p *PresencePublisher) Subscribe(ctx context.Context) (<-chan PresenceEvent, error) {
	raw, err := p.redis.Subscribe(ctx, p.config.Channel)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to presence: %w", err)
	}

	events := make(chan PresenceEvent, 100)
	go func() {
		defer close(events)
		for msg := range raw {
			var event PresenceEvent
			if err := json.Unmarshal([]byte(msg.Message), &event); err != nil {
				logger.Warn("Discarding malformed presence event",
					logger.ErrorField(err),
					logger.String("channel", msg.Channel),
				)
				continue
			}
			if event.Instance == p.config.InstanceID {
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

// Close stops the publisher after flushing queued events
func (p *PresencePublisher) Close() error {
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
	return nil
}
