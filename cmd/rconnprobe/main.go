// Command rconnprobe is a one-shot synthetic health check: it dials a
// target with internal/rconn and retries, the way
// scripts/concurrent_stop_test drives its own HTTP calls, until the
// connection reaches the requested level of health or the overall
// deadline expires.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	retry "github.com/avast/retry-go/v5"

	"github.com/onkernel/rconn/internal/pollloop"
	"github.com/onkernel/rconn/internal/rconn"
)

func main() {
	target := flag.String("target", "127.0.0.1:6633", "host:port to probe")
	timeout := flag.Duration("timeout", 10*time.Second, "overall probe deadline")
	pollDelay := flag.Duration("poll-delay", 200*time.Millisecond, "delay between probe attempts")
	requireAdmitted := flag.Bool("require-admitted", false, "require the peer to have admitted the connection, not just completed the handshake")
	flag.Parse()

	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rc := rconn.Create(5, 1)
	rc.SetLogger(slogger)
	defer rc.Destroy()

	err := retry.New(
		retry.Attempts(1000),
		retry.Delay(*pollDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	).Do(func() error {
		return pollOnce(rc, *target, *requireAdmitted)
	})
	if err != nil {
		slogger.Error("probe failed", "target", *target, "state", rc.GetState(), "err", err)
		os.Exit(1)
	}
	slogger.Info("probe succeeded", "target", *target, "state", rc.GetState())
}

// pollOnce runs one tick of rc's state machine and reports whether it has
// reached the requested health level yet.
func pollOnce(rc *rconn.Rconn, target string, requireAdmitted bool) error {
	if rc.GetState() == "VOID" {
		if err := rc.Connect(target); err != nil {
			return fmt.Errorf("dial %s: %w", target, err)
		}
	}
	rc.Run()

	loop := pollloop.New()
	rc.Wait(loop)
	_ = loop.Block()
	rc.Run()

	if requireAdmitted {
		if !rc.IsAdmitted() {
			return fmt.Errorf("%s not yet admitted (state=%s)", target, rc.GetState())
		}
		return nil
	}
	if !rc.IsConnected() {
		return fmt.Errorf("%s not yet connected (state=%s)", target, rc.GetState())
	}
	return nil
}
