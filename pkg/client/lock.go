package client

import (
	"context"
	"fmt"
)

// a lock held by this client's connection
type Lock struct {
	client *Client
	id     string
}

func (l *Lock) ID() string {
	return l.id
}

func (l *Lock) Release(ctx context.Context) error {
	ok, err := l.client.Release(ctx, l.id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("release %q: lock not held by this connection", l.id)
	}
	return nil
}
