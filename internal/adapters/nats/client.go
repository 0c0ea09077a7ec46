// Package nats carries device events, provider status notifications and saga
// leases over NATS JetStream.
package nats

import (
	"errors"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type Client struct {
	nc *natsgo.Conn
	js natsgo.JetStreamContext
	lg zerolog.Logger
}

func New(url, name string, lg zerolog.Logger) (*Client, error) {
	lg = lg.With().Str("adapter", "nats").Logger()
	nc, err := natsgo.Connect(url,
		natsgo.Name(name),
		natsgo.MaxReconnects(-1),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			lg.Warn().Err(err).Msg("nats disconnected")
		}),
		natsgo.ReconnectHandler(func(c *natsgo.Conn) {
			lg.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return &Client{nc: nc, js: js, lg: lg}, nil
}

// EnsureStream idempotently creates a file-backed stream.
func (c *Client) EnsureStream(name string, subjects ...string) error {
	_, err := c.js.AddStream(&natsgo.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  natsgo.FileStorage,
		Replicas: 1,
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, natsgo.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	return nil
}

// EnsureBucket opens the KV bucket, creating it when missing. Keys expire
// after ttl; 0 keeps them forever.
func (c *Client) EnsureBucket(name string, ttl time.Duration) (natsgo.KeyValue, error) {
	kv, err := c.js.KeyValue(name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, natsgo.ErrBucketNotFound) {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	kv, err = c.js.CreateKeyValue(&natsgo.KeyValueConfig{
		Bucket:      name,
		Description: "Saga leases",
		History:     1,
		TTL:         ttl,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return kv, nil
}

func (c *Client) Close() { _ = c.nc.Drain() }
