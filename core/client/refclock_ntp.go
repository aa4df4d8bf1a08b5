package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/beevik/ntp"
)

const defaultNTPTimeout = 3 * time.Second

// NTPReferenceClock uses an NTP server as reference clock. Address is
// "host" or "host:port".
type NTPReferenceClock struct {
	Log     *slog.Logger
	Address string
}

var _ ReferenceClock = (*NTPReferenceClock)(nil)

func NewNTPReferenceClock(log *slog.Logger, addr string) *NTPReferenceClock {
	return &NTPReferenceClock{Log: log, Address: addr}
}

func (c *NTPReferenceClock) QueryReferenceTime(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	timeout := defaultNTPTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return 0, fmt.Errorf("%w: %w", ErrUnavailable, context.DeadlineExceeded)
		}
	}

	// The connection is closed as soon as ctx is done, which ends the
	// query's blocking read.
	var stop func() bool
	dial := func(localAddr, remoteAddr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "udp", remoteAddr)
		if err != nil {
			return nil, err
		}
		stop = context.AfterFunc(ctx, func() { _ = conn.Close() })
		return conn, nil
	}
	defer func() {
		if stop != nil {
			stop()
		}
	}()

	resp, err := ntp.QueryWithOptions(c.Address, ntp.QueryOptions{
		Timeout: timeout,
		Dialer:  dial,
	})
	if ctx.Err() != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrUnavailable, c.Address, err)
	}
	err = resp.Validate()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrUnavailable, c.Address, err)
	}

	c.Log.LogAttrs(ctx, slog.LevelDebug, "received NTP response",
		slog.String("server", c.Address),
		slog.Int("stratum", int(resp.Stratum)),
		slog.Duration("rtt", resp.RTT),
		slog.Duration("clock_offset", resp.ClockOffset),
	)

	return resp.Time.UnixNano(), nil
}
