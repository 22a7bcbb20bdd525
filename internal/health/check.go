// Package health probes whether instance ports accept TCP connections.
package health

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ecairns22/mydb/internal/poll"
)

// sweepLimit bounds the probes a Sweep runs at once.
const sweepLimit = 8

// Reachable dials host:port once.
func Reachable(ctx context.Context, host string, port int, timeout time.Duration) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "port %d", port)
	}
	return conn.Close()
}

// WaitForPort polls host:port every interval until a connection succeeds
// or timeout passes.
func WaitForPort(ctx context.Context, host string, port int, timeout, interval time.Duration, clk clock.Clock) error {
	return poll.Until(ctx, poll.Options{
		Interval: interval,
		Timeout:  timeout,
		Clock:    clk,
	}, fmt.Sprintf("port %d on %s", port, host), func(ctx context.Context) (bool, error) {
		return Reachable(ctx, host, port, interval) == nil, nil
	})
}

// Target is one port to probe.
type Target struct {
	Name string
	Port int
}

// Result is the outcome of probing a Target. Err is nil when the port
// accepted a connection.
type Result struct {
	Target
	Err     error
	Latency time.Duration
}

// Sweep probes every target concurrently and returns results in target
// order.
func Sweep(ctx context.Context, host string, targets []Target, timeout time.Duration) []Result {
	out := make([]Result, len(targets))
	var g errgroup.Group
	g.SetLimit(sweepLimit)
	for i, t := range targets {
		g.Go(func() error {
			start := time.Now()
			err := Reachable(ctx, host, t.Port, timeout)
			out[i] = Result{Target: t, Err: err, Latency: time.Since(start)}
			return nil
		})
	}
	g.Wait()
	return out
}
