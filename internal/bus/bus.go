// Package bus distributes trade signals over Redis pub/sub. Delivery is
// at-most-once; the cluster-wide signal lock guarantees each signal is
// executed by at most one worker even when several are subscribed.
package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis"

	"github.com/amirphl/signal-relay/internal/signal"
)

const (
	// Reconnect backoff bounds for the subscribe loop.
	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 60 * time.Second
)

// Ack reports the outcome of a signal back on the ack channel.
type Ack struct {
	SignalID string `json:"signal_id"`
	WorkerID string `json:"worker_id"`
	Status   string `json:"status"`
}

// Command is a management instruction received on the command channel.
// Currently the only action is "close".
type Command struct {
	Action  string `json:"action"`
	TradeID int64  `json:"trade_id"`
}

type Config struct {
	RedisURL       string
	WorkerID       string
	SignalChannel  string
	AckChannel     string
	CommandChannel string
	// LockTTL bounds how long a signal lock key lives in Redis. Zero means
	// the keys never expire; the unique signal id constraint in the trade
	// store is the backstop either way.
	LockTTL time.Duration
}

// Bus is a Redis-backed signal bus.
type Bus struct {
	client *redis.Client
	cfg    Config
}

// Connect dials Redis and verifies the connection with a ping, retrying a
// few times so a worker starting before Redis doesn't die immediately.
func Connect(cfg Config) (*Bus, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	delay := initialReconnectDelay
	var pingErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			log.Printf("Bus | redis not reachable, retrying in %v: %v", delay, pingErr)
			time.Sleep(delay)
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
		}
		if _, pingErr = client.Ping().Result(); pingErr == nil {
			return &Bus{client: client, cfg: cfg}, nil
		}
	}

	client.Close()
	return nil, fmt.Errorf("failed to ping redis: %w", pingErr)
}

func (b *Bus) Close() error {
	return b.client.Close()
}

// Publish encodes and publishes a signal to the signal channel. It returns
// the number of subscribers that received it.
func (b *Bus) Publish(sig signal.Signal) (int64, error) {
	payload, err := sig.Encode()
	if err != nil {
		return 0, fmt.Errorf("failed to encode signal %s: %w", sig.SignalID, err)
	}

	n, err := b.client.Publish(b.cfg.SignalChannel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish signal %s: %w", sig.SignalID, err)
	}
	return n, nil
}

// TryLock atomically claims a signal for this worker. It returns true when
// the claim succeeded; false means another worker got there first.
func (b *Bus) TryLock(sig signal.Signal) (bool, error) {
	ok, err := b.client.SetNX(sig.LockKey(), b.cfg.WorkerID, b.cfg.LockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock for signal %s: %w", sig.SignalID, err)
	}
	return ok, nil
}

// SendAck reports the processing outcome of a signal.
func (b *Bus) SendAck(signalID, status string) error {
	data, err := json.Marshal(Ack{
		SignalID: signalID,
		WorkerID: b.cfg.WorkerID,
		Status:   status,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal ack for signal %s: %w", signalID, err)
	}

	if err := b.client.Publish(b.cfg.AckChannel, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to publish ack for signal %s: %w", signalID, err)
	}
	return nil
}

// Signals subscribes to the signal channel and delivers decoded signals on
// the returned channel. The subscription reconnects with exponential
// backoff; messages published while disconnected are lost (at-most-once).
// The channel closes when done is closed.
func (b *Bus) Signals(done <-chan struct{}) <-chan signal.Signal {
	out := make(chan signal.Signal, 16)

	go func() {
		defer close(out)
		delay := initialReconnectDelay

		for {
			select {
			case <-done:
				return
			default:
			}

			pubsub := b.client.Subscribe(b.cfg.SignalChannel)
			if _, err := pubsub.Receive(); err != nil {
				pubsub.Close()
				log.Printf("Bus | failed to subscribe to %s, retrying in %v: %v",
					b.cfg.SignalChannel, delay, err)
				select {
				case <-done:
					return
				case <-time.After(delay):
				}
				delay *= 2
				if delay > maxReconnectDelay {
					delay = maxReconnectDelay
				}
				continue
			}
			delay = initialReconnectDelay
			log.Printf("Bus | subscribed to %s", b.cfg.SignalChannel)

			if !b.consumeSignals(done, pubsub, out) {
				pubsub.Close()
				return
			}
			pubsub.Close()

			log.Printf("Bus | subscription to %s lost, reconnecting in %v", b.cfg.SignalChannel, delay)
			select {
			case <-done:
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
		}
	}()

	return out
}

// consumeSignals pumps messages until the subscription breaks. It returns
// false when done was closed.
func (b *Bus) consumeSignals(done <-chan struct{}, pubsub *redis.PubSub, out chan<- signal.Signal) bool {
	ch := pubsub.Channel()
	for {
		select {
		case <-done:
			return false
		case msg, ok := <-ch:
			if !ok {
				return true
			}
			sig, err := signal.Decode(msg.Payload)
			if err != nil {
				log.Printf("Bus | dropping malformed signal payload: %v", err)
				continue
			}
			select {
			case out <- sig:
			case <-done:
				return false
			}
		}
	}
}

// Commands subscribes to the command channel. Malformed or unknown commands
// are logged and dropped. The channel closes when done is closed.
func (b *Bus) Commands(done <-chan struct{}) <-chan Command {
	out := make(chan Command, 16)

	go func() {
		defer close(out)
		delay := initialReconnectDelay

		for {
			select {
			case <-done:
				return
			default:
			}

			pubsub := b.client.Subscribe(b.cfg.CommandChannel)
			ch := pubsub.Channel()

		consume:
			for {
				select {
				case <-done:
					pubsub.Close()
					return
				case msg, ok := <-ch:
					if !ok {
						break consume
					}
					delay = initialReconnectDelay
					var cmd Command
					if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
						log.Printf("Bus | dropping malformed command payload: %v", err)
						continue
					}
					select {
					case out <- cmd:
					case <-done:
						pubsub.Close()
						return
					}
				}
			}
			pubsub.Close()

			select {
			case <-done:
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
		}
	}()

	return out
}
