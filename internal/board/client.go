// Package board mirrors workshop state snapshots into Redis so processes
// other than the one driving the workshop can present it. A state hash, an
// agent hash and an idea hash hold the latest snapshot; every write also
// publishes the full snapshot on a Pub/Sub channel.
package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/atelier/internal/phase"
	"github.com/dyluth/atelier/internal/progress"
	"github.com/dyluth/atelier/pkg/workshop"
	"github.com/redis/go-redis/v9"
)

// Client reads and writes workshop snapshots under one namespace.
type Client struct {
	rdb       *redis.Client
	namespace string
}

// NewClient creates a board client. All keys and channels are prefixed
// with namespace, which must not be empty.
func NewClient(redisOpts *redis.Options, namespace string) (*Client, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	return &Client{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Publish stores s as the latest snapshot of its workshop and publishes it
// on the workshop's state channel. The three hashes are replaced in one
// MULTI/EXEC so readers never see agents or ideas of a different snapshot.
func (c *Client) Publish(ctx context.Context, s phase.State) error {
	if s.WorkshopID == "" {
		return fmt.Errorf("state has no workshop id")
	}

	hash, err := StateToHash(s, time.Now())
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}
	agents, err := AgentsToHash(s.Agents)
	if err != nil {
		return fmt.Errorf("failed to serialize agents: %w", err)
	}
	ideas, err := IdeasToHash(s.Ideas)
	if err != nil {
		return fmt.Errorf("failed to serialize ideas: %w", err)
	}

	agentsKey := AgentsKey(c.namespace, s.WorkshopID)
	ideasKey := IdeasKey(c.namespace, s.WorkshopID)
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, StateKey(c.namespace, s.WorkshopID), hash)
		pipe.Del(ctx, agentsKey, ideasKey)
		if len(agents) > 0 {
			pipe.HSet(ctx, agentsKey, agents)
		}
		if len(ideas) > 0 {
			pipe.HSet(ctx, ideasKey, ideas)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write state to Redis: %w", err)
	}

	stateJSON, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal state for event: %w", err)
	}
	channel := StateEventsChannel(c.namespace, s.WorkshopID)
	if err := c.rdb.Publish(ctx, channel, stateJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish state event: %w", err)
	}

	return nil
}

// GetSummary returns the stored summary of a workshop.
// Returns (nil, redis.Nil) if nothing was published for it yet.
func (c *Client) GetSummary(ctx context.Context, workshopID string) (*Summary, error) {
	hashData, err := c.rdb.HGetAll(ctx, StateKey(c.namespace, workshopID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read state from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	summary, err := HashToSummary(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize state: %w", err)
	}
	return summary, nil
}

// GetAgents returns the stored agent progress of a workshop. An empty map is
// returned when no agent is known.
func (c *Client) GetAgents(ctx context.Context, workshopID string) (progress.Progress, error) {
	hashData, err := c.rdb.HGetAll(ctx, AgentsKey(c.namespace, workshopID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read agents from Redis: %w", err)
	}
	return HashToAgents(hashData)
}

// GetIdeas returns the stored ideas of a workshop ordered by votes, then id.
func (c *Client) GetIdeas(ctx context.Context, workshopID string) ([]workshop.Idea, error) {
	hashData, err := c.rdb.HGetAll(ctx, IdeasKey(c.namespace, workshopID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ideas from Redis: %w", err)
	}

	ideas := make([]workshop.Idea, 0, len(hashData))
	for id, raw := range hashData {
		var idea workshop.Idea
		if err := json.Unmarshal([]byte(raw), &idea); err != nil {
			return nil, fmt.Errorf("failed to unmarshal idea %s: %w", id, err)
		}
		ideas = append(ideas, idea)
	}
	sort.Slice(ideas, func(i, j int) bool {
		if ideas[i].VotesCount != ideas[j].VotesCount {
			return ideas[i].VotesCount > ideas[j].VotesCount
		}
		return ideas[i].ID < ideas[j].ID
	})
	return ideas, nil
}

// Subscription is an active Pub/Sub subscription to the state snapshots of
// one workshop. Caller must call Close() when done.
type Subscription struct {
	events <-chan *phase.State
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of state snapshots. It is closed when the
// subscription is closed or its context is cancelled.
func (s *Subscription) Events() <-chan *phase.State {
	return s.events
}

// Errors returns the channel of non-fatal subscription errors. Messages
// that fail to decode are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe subscribes to the state snapshots of workshopID. It returns once
// Redis confirmed the subscription, so snapshots published afterwards are
// delivered.
//
// Delivery is at-most-once: a subscriber slower than the publisher misses
// intermediate snapshots, which is harmless since each one is complete.
func (c *Client) Subscribe(ctx context.Context, workshopID string) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, StateEventsChannel(c.namespace, workshopID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to workshop %s: %w", workshopID, err)
	}

	eventsChan := make(chan *phase.State, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var state phase.State
				if err := json.Unmarshal([]byte(msg.Payload), &state); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal state event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &state:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// IsNotFound returns true if err is the Redis "key not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
