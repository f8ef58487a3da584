package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"

	"github.com/dkwkekzz/hktnet/pkg/reliudp"
)

// handshakeTimeout is how long the ping client waits for the server to
// answer the connection request.
const handshakeTimeout = 5 * time.Second

func pingCommand() *cobra.Command {
	var (
		server   string
		count    int
		interval time.Duration
		group    int32
	)
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Connect to a server and measure payload round trips",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ping(cmd.Context(), server, count, interval, group)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&server, "server", fmt.Sprintf("127.0.0.1:%d", reliudp.DefaultServerPort), "server address")
	flags.IntVar(&count, "count", 5, "number of payloads to send")
	flags.DurationVar(&interval, "interval", time.Second, "pause between payloads")
	flags.Int32Var(&group, "group", 0, "also join this group id (0 skips the join)")
	return cmd
}

func ping(ctx context.Context, server string, count int, interval time.Duration, group int32) error {
	cfg := reliudp.DefaultConfig()
	cfg.ClientPort = 0 // ephemeral, so several pingers can run side by side
	client := reliudp.NewClient(cfg)
	if err := client.Connect(ctx, server); err != nil {
		return err
	}
	defer func() {
		_ = client.Disconnect(ctx)
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	deadline := time.After(handshakeTimeout)
	for !client.IsConnected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("handshake with %s timed out", server)
		case <-ticker.C:
			client.Tick(ctx)
		}
	}

	if group != 0 {
		if err := client.JoinGroup(ctx, group); err != nil {
			return err
		}
	}

	var total time.Duration
	for i := 1; i <= count; i++ {
		payload := []byte(fmt.Sprintf("ping %d", i))
		start := dtime.Now()
		if err := client.Send(ctx, payload); err != nil {
			return err
		}
		echo, err := awaitEcho(ctx, client, ticker, server)
		if err != nil {
			return err
		}
		rtt := dtime.Now().Sub(start)
		total += rtt
		dlog.Infof(ctx, "%d bytes from %s: seq=%d time=%s", len(echo), server, i, rtt)
		if i < count {
			dtime.SleepWithContext(ctx, interval)
		}
	}
	dlog.Infof(ctx, "%d round trips, %s average", count, total/time.Duration(count))
	return nil
}

func awaitEcho(ctx context.Context, client *reliudp.Client, ticker *time.Ticker, server string) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			client.Tick(ctx)
			if payload, ok := client.Poll(); ok {
				return payload, nil
			}
			if !client.IsConnected() {
				return nil, fmt.Errorf("connection to %s was lost", server)
			}
		}
	}
}
