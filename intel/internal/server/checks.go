package server

import (
	"context"

	"github.com/telhawk-systems/telhawk-intel/common/messaging"
)

// Pinger is satisfied by backend.Backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports p's Ping result.
func PingCheck(p Pinger) Check {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}

// BrokerCheck reports the broker connection health.
func BrokerCheck(conn messaging.Connection) Check {
	return func(ctx context.Context) error {
		return messaging.CheckHealth(ctx, conn).Err
	}
}
