// The hktnet command runs the reliable-UDP transport endpoints of the
// gameplay runtime: a standalone echo server for soak testing and a ping
// client to exercise it.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dlog"
)

func main() {
	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	ctx := dlog.WithLogger(context.Background(), dlog.WrapLogrus(logger))

	var logLevel string
	cmd := &cobra.Command{
		Use:           "hktnet",
		Short:         "Reliable-UDP transport endpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			logger.SetLevel(level)
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "trace, debug, info, warning, or error")
	cmd.AddCommand(serveCommand(), pingCommand())

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "hktnet: %v\n", err)
		os.Exit(1)
	}
}
