package feed

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/shiftline/realtime/src/protocol"
)

// RedisSource consumes change events from Redis pub/sub, one channel per
// entity table (prefix + table name).
type RedisSource struct {
	client *redis.Client
	prefix string
	tables []string
	target ChangeTarget
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewRedisSource creates a source that subscribes to the change channels
// for the given tables.
func NewRedisSource(cfg *RedisConfig, tables []string, target ChangeTarget, logger zerolog.Logger) *RedisSource {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())

	return &RedisSource{
		client: client,
		prefix: cfg.Prefix,
		tables: tables,
		target: target,
		logger: logger.With().Str("component", "redis-feed").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the per-table channels and begins relaying events.
func (s *RedisSource) Start() error {
	if err := s.client.Ping(s.ctx).Err(); err != nil {
		return err
	}

	channels := make([]string, 0, len(s.tables))
	for _, table := range s.tables {
		channels = append(channels, s.prefix+table)
	}
	sub := s.client.Subscribe(s.ctx, channels...)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(s.ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.active = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.listen(sub)

	s.logger.Info().Strs("channels", channels).Msg("change feed source started")
	return nil
}

// Stop unsubscribes and closes the Redis connection.
func (s *RedisSource) Stop() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return s.client.Close()
}

// Available reports whether the source is connected.
func (s *RedisSource) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// listen reads messages from the Redis subscription and forwards decoded
// events to the hub.
func (s *RedisSource) listen(sub *redis.PubSub) {
	defer s.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleMessage(msg)
		case <-s.ctx.Done():
			return
		}
	}
}

// handleMessage decodes one published change event. Events that fail to
// decode, carry an unknown entity, or disagree with their channel's table
// are dropped with a log line; the subscription stays up.
func (s *RedisSource) handleMessage(msg *redis.Message) {
	var ev protocol.ChangeEvent
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		s.logger.Error().Err(err).Str("channel", msg.Channel).Msg("failed to decode change event")
		return
	}

	table := strings.TrimPrefix(msg.Channel, s.prefix)
	if ev.Entity == "" {
		ev.Entity = table
	}
	if ev.Entity != table {
		s.logger.Warn().Str("channel", msg.Channel).Str("entity", ev.Entity).
			Msg("entity does not match channel, dropping")
		return
	}
	if _, err := ev.Record(); err != nil {
		s.logger.Warn().Err(err).Str("entity", ev.Entity).Msg("malformed change payload, dropping")
		return
	}

	s.logger.Debug().Str("entity", ev.Entity).Str("event_type", string(ev.EventType)).
		Str("entity_id", ev.EntityID).Msg("relaying change event")
	s.target.PublishChange(ev)
}
