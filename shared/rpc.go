package shared

import (
	"context"
	"net"
	"time"

	"github.com/caleberi/chunkfs/common"
	"github.com/rs/zerolog/log"
)

type RetryConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

var DefaultRetryConfig = RetryConfig{
	MaxRetries: 3,
	RetryDelay: 100 * time.Millisecond,
}

// NoRetry makes a single attempt.
var NoRetry = RetryConfig{MaxRetries: 1}

func calculateBackoff(attempt int, baseDelay time.Duration) time.Duration {
	delay := baseDelay * (1 << attempt)
	maxDelay := 2 * time.Second
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Call opens a fresh TCP connection to addr, sends one request frame and
// decodes one reply frame. A zero timeout leaves the exchange bounded only
// by ctx.
func Call(ctx context.Context, addr string, width int, timeout time.Duration, args any, reply any) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return common.Errorf(common.TransportError, "dial %s: %v", addr, err)
	}
	defer conn.Close()

	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return common.Errorf(common.TransportError, "set deadline on %s: %v", addr, err)
		}
	} else if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return common.Errorf(common.TransportError, "set deadline on %s: %v", addr, err)
		}
	}

	if err := WriteFrame(conn, width, args); err != nil {
		return err
	}
	return ReadFrame(conn, width, reply)
}

// UnicastToChunkServer sends a request to a single chunk server with
// automatic retries and exponential backoff between attempts.
//
// Parameters:
//   - addr: Server address in "host:port" format
//   - width: frame width shared by every peer
//   - args: request frame
//   - reply: pointer to the reply struct (populated on success)
//   - config: retry configuration
//
// Returns nil on success, otherwise the error of the last attempt.
func UnicastToChunkServer[T, V any](
	ctx context.Context, addr string, width int, timeout time.Duration,
	args T, reply V, config RetryConfig) error {
	attempts := max(config.MaxRetries, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = Call(ctx, addr, width, timeout, args, reply)
		if err == nil {
			return nil
		}
		if common.CodeOf(err) == common.ProtocolError {
			return err
		}
		log.Warn().
			Int("attempt", attempt).
			Str("addr", addr).
			Err(err).
			Msg("chunk server call failed")

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(calculateBackoff(attempt, config.RetryDelay)):
			}
		}
	}
	return err
}
