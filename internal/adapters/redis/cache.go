package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/stock-holds-and-orders/internal/service"
)

// Cache is the write-invalidated product cache. It holds short-lived derived
// views only; stock accounting never reads from it.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func productKey(id int64) string {
	return fmt.Sprintf("product:%d", id)
}

func (c *Cache) GetProduct(ctx context.Context, id int64) (*service.ProductView, error) {
	val, err := c.client.Get(ctx, productKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var view service.ProductView
	if err := json.Unmarshal(val, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Cache) SetProduct(ctx context.Context, view service.ProductView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, productKey(view.ID), data, c.ttl).Err()
}

func (c *Cache) Invalidate(ctx context.Context, productID int64) error {
	return c.client.Del(ctx, productKey(productID)).Err()
}
