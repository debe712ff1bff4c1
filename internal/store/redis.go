package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sorteo/internal/models"

	"github.com/redis/go-redis/v9"
)

const PaymentVerifiedQueue = "events:payment_verified"

type RedisStore struct {
	Client *redis.Client
}

func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client}
}

func (s *RedisStore) Close() error {
	if s.Client != nil {
		return s.Client.Close()
	}
	return nil
}

func raffleKey(raffleID int64) string {
	return fmt.Sprintf("raffle:%d", raffleID)
}

func (s *RedisStore) StoreRaffle(ctx context.Context, raffle *models.Raffle, ttl time.Duration) error {
	raffleJSON, err := json.Marshal(raffle)
	if err != nil {
		return fmt.Errorf("failed to marshal raffle: %w", err)
	}

	if err := s.Client.Set(ctx, raffleKey(raffle.ID), raffleJSON, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set raffle in redis: %w", err)
	}
	return nil
}

// GetRaffle returns nil, nil on a cache miss.
func (s *RedisStore) GetRaffle(ctx context.Context, raffleID int64) (*models.Raffle, error) {
	val, err := s.Client.Get(ctx, raffleKey(raffleID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get raffle from redis: %w", err)
	}

	var raffle models.Raffle
	if err := json.Unmarshal([]byte(val), &raffle); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raffle from redis: %w", err)
	}
	return &raffle, nil
}

func (s *RedisStore) DeleteRaffle(ctx context.Context, raffleID int64) error {
	if err := s.Client.Del(ctx, raffleKey(raffleID)).Err(); err != nil {
		return fmt.Errorf("failed to delete raffle from redis: %w", err)
	}
	return nil
}

// PublishPaymentVerified appends the event to PaymentVerifiedQueue for
// consumers outside this service.
func (s *RedisStore) PublishPaymentVerified(ctx context.Context, event *models.PaymentVerifiedEvent) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal payment verified event: %w", err)
	}

	if err := s.Client.RPush(ctx, PaymentVerifiedQueue, eventJSON).Err(); err != nil {
		return fmt.Errorf("failed to push payment verified event: %w", err)
	}
	return nil
}
