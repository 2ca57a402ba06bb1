package client

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/shiftline/realtime/src/protocol"
)

// RegistryConfig configures the channel registry shared by all feeds.
type RegistryConfig struct {
	// URL of the feed WebSocket endpoint, shared by every channel.
	URL string
	// Token presented in each channel's subscribe handshake.
	Token string
	// Retry is the default retry budget; individual channels may override
	// it via SubscribeWithRetry.
	Retry RetryConfig
	// EventBuffer sizes each subscriber's delivery channel.
	EventBuffer int
}

// ChannelRegistry owns one ChangeFeedChannel per subscription key and
// guarantees at most one live connection per key. Repeated subscriptions to
// the same key share the connection through a reference count.
type ChannelRegistry struct {
	cfg    RegistryConfig
	dialer Dialer
	logger zerolog.Logger

	mu       sync.Mutex
	channels map[string]*feedEntry
	closed   bool
}

type feedEntry struct {
	channel *ChangeFeedChannel
	refs    int
}

// Subscription is one consumer's handle on a shared feed channel. Events
// arrive on the Events channel; Close releases the reference.
type Subscription struct {
	key     string
	events  <-chan protocol.ChangeEvent
	channel *ChangeFeedChannel
	release func()
	once    sync.Once
}

// Events returns the typed change-event stream for this subscriber.
func (s *Subscription) Events() <-chan protocol.ChangeEvent { return s.events }

// Key returns the subscription key.
func (s *Subscription) Key() string { return s.key }

// Channel exposes the underlying shared channel, e.g. to observe state or
// register a degraded-mode callback.
func (s *Subscription) Channel() *ChangeFeedChannel { return s.channel }

// Close releases this consumer's reference. Idempotent; tearing down the
// last reference closes the underlying connection synchronously.
func (s *Subscription) Close() { s.once.Do(s.release) }

// NewChannelRegistry builds a registry using the given dialer for all
// channels it creates.
func NewChannelRegistry(cfg RegistryConfig, dialer Dialer, logger zerolog.Logger) *ChannelRegistry {
	return &ChannelRegistry{
		cfg:      cfg,
		dialer:   dialer,
		logger:   logger.With().Str("component", "channel-registry").Logger(),
		channels: make(map[string]*feedEntry),
	}
}

// Subscribe attaches to the channel for key, creating it if absent. Tables
// only take effect when the channel is created; later subscribers to the
// same key share the original table set.
func (r *ChannelRegistry) Subscribe(key string, tables []string) (*Subscription, error) {
	return r.SubscribeWithRetry(key, tables, r.cfg.Retry)
}

// SubscribeWithRetry is Subscribe with a per-channel retry budget, for feeds
// that warrant a different budget than the registry default.
func (r *ChannelRegistry) SubscribeWithRetry(key string, tables []string, retry RetryConfig) (*Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	entry, ok := r.channels[key]
	if !ok {
		ch := NewChangeFeedChannel(FeedConfig{
			Key:         key,
			URL:         r.cfg.URL,
			Token:       r.cfg.Token,
			Tables:      tables,
			Retry:       retry,
			EventBuffer: r.cfg.EventBuffer,
		}, r.dialer, r.logger)
		entry = &feedEntry{channel: ch}
		r.channels[key] = entry
	}
	entry.refs++
	r.mu.Unlock()

	id, events, err := entry.channel.attach()
	if err != nil {
		r.releaseRef(key, entry)
		return nil, err
	}

	sub := &Subscription{
		key:     key,
		events:  events,
		channel: entry.channel,
	}
	sub.release = func() {
		entry.channel.detach(id)
		r.releaseRef(key, entry)
	}
	return sub, nil
}

// releaseRef decrements the refcount and tears the channel down at zero.
func (r *ChannelRegistry) releaseRef(key string, entry *feedEntry) {
	r.mu.Lock()
	entry.refs--
	last := entry.refs <= 0
	if last {
		delete(r.channels, key)
	}
	r.mu.Unlock()

	if last {
		entry.channel.close()
		r.logger.Debug().Str("key", key).Msg("channel torn down")
	}
}

// Refs reports the live reference count for key. Zero means no channel.
func (r *ChannelRegistry) Refs(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.channels[key]; ok {
		return entry.refs
	}
	return 0
}

// WakeVisible forwards a document-visible trigger to every channel.
func (r *ChannelRegistry) WakeVisible() {
	for _, ch := range r.snapshot() {
		ch.WakeVisible()
	}
}

// WakeOnline forwards a network-online trigger to every channel.
func (r *ChannelRegistry) WakeOnline() {
	for _, ch := range r.snapshot() {
		ch.WakeOnline()
	}
}

func (r *ChannelRegistry) snapshot() []*ChangeFeedChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ChangeFeedChannel, 0, len(r.channels))
	for _, entry := range r.channels {
		out = append(out, entry.channel)
	}
	return out
}

// Close tears down every channel regardless of outstanding references.
// Subscriptions closed afterwards become no-ops.
func (r *ChannelRegistry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := make([]*feedEntry, 0, len(r.channels))
	for _, entry := range r.channels {
		entries = append(entries, entry)
	}
	r.channels = make(map[string]*feedEntry)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.channel.close()
	}
}
