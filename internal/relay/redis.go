package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cwrk-planet/chat-gateway/internal/domain"

	"github.com/redis/go-redis/v9"
)

const DefaultChannelPrefix = "chat:project:"

// Broadcaster — локальная рассылка по комнате (ws.Registry).
type Broadcaster interface {
	Broadcast(projectID domain.ProjectID, payload []byte) int
}

type Config struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
	PoolSize      int
	DialTimeout   time.Duration
}

// Redis пересылает закодированные события между инстансами шлюза.
// Publish отправляет в канал <prefix><projectID>; подписка <prefix>* отдаёт
// всё полученное в локальный Broadcaster, включая собственные публикации.
type Redis struct {
	client *redis.Client
	prefix string
	local  Broadcaster
	log    *slog.Logger

	mu     sync.Mutex
	sub    *redis.PubSub
	done   chan struct{}
	cancel context.CancelFunc
}

func NewRedis(ctx context.Context, cfg Config, local Broadcaster, log *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("relay: connect redis %s: %w", cfg.Addr, err)
	}
	return newRedis(client, cfg.ChannelPrefix, local, log), nil
}

func newRedis(client *redis.Client, prefix string, local Broadcaster, log *slog.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if log == nil {
		log = slog.Default()
	}
	return &Redis{
		client: client,
		prefix: prefix,
		local:  local,
		log:    log.With(slog.String("component", "relay")),
	}
}

func (r *Redis) Channel(projectID domain.ProjectID) string {
	return r.prefix + projectID.String()
}

// Publish реализует ws.Fanout.
func (r *Redis) Publish(ctx context.Context, projectID domain.ProjectID, payload []byte) error {
	if err := r.client.Publish(ctx, r.Channel(projectID), payload).Err(); err != nil {
		return fmt.Errorf("relay: publish project %d: %w", projectID, err)
	}
	return nil
}

// Start подписывается на все каналы проектов и ждёт подтверждения подписки,
// чтобы первые публикации не потерялись.
func (r *Redis) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return nil
	}

	sub := r.client.PSubscribe(ctx, r.prefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("relay: psubscribe %s*: %w", r.prefix, err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	r.sub = sub
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(lctx, sub.Channel())
	r.log.Info("relay subscribed", slog.String("pattern", r.prefix+"*"))
	return nil
}

func (r *Redis) loop(ctx context.Context, ch <-chan *redis.Message) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.dispatch(msg)
		}
	}
}

func (r *Redis) dispatch(msg *redis.Message) {
	raw := strings.TrimPrefix(msg.Channel, r.prefix)
	projectID, ok := domain.ParseProjectID(raw)
	if !ok {
		r.log.Warn("relay: foreign channel", slog.String("channel", msg.Channel))
		return
	}
	n := r.local.Broadcast(projectID, []byte(msg.Payload))
	r.log.Debug("relay delivered", slog.Int64("project_id", int64(projectID)), slog.Int("sessions", n))
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close останавливает подписку и закрывает клиент.
func (r *Redis) Close() error {
	r.mu.Lock()
	sub, cancel, done := r.sub, r.cancel, r.done
	r.sub = nil
	r.mu.Unlock()

	if sub != nil {
		cancel()
		_ = sub.Close()
		<-done
	}
	return r.client.Close()
}
