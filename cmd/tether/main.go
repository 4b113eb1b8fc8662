// The tether command is the entrypoint for both halves of a session: run with
// -role server it binds every configured transport listener and authenticates
// clients; with -role client it connects to the configured server and holds
// the resulting endpoint until shut down. The live endpoints are where a
// simulation/replication layer would attach.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/tethergame/tether/internal/core"
	"github.com/tethergame/tether/internal/inspector"
	"github.com/tethergame/tether/internal/session"
)

var (
	configFlag = flag.String("config", "./", "Path to the directory containing the config file")
	roleFlag   = flag.String("role", "server", "Role to run: client or server")
)

func main() {
	flag.Parse()

	config, err := core.LoadConfig(*configFlag)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	role := core.Role(*roleFlag)
	if err := config.Validate(role); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	logger, err := core.NewLogger(config)
	if err != nil {
		fmt.Println("error initializing logger:", err)
		os.Exit(1)
	}

	if logger.IsLevelEnabled(logrus.DebugLevel) {
		// Dump the effective settings with the secret scrubbed.
		redacted := *config
		redacted.Shared.PrivateKey = "<redacted>"
		logger.Debug("effective configuration:\n", spew.Sdump(redacted))
	}

	// One top-level context so that SIGINT/SIGTERM shuts everything down cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down...")
		cancel()
	}()

	switch role {
	case core.RoleServer:
		err = runServer(ctx, config, logger)
	case core.RoleClient:
		err = runClient(ctx, config, logger)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, config *core.Config, logger *logrus.Logger) error {
	if config.Server.Headless {
		logger.Info("running headless, no render surface will be attached")
	}
	if config.Server.Inspector {
		inspector.Start(logger, config.Debugging.InspectorPort)
	}

	server, err := session.NewServer(config, logger)
	if err != nil {
		return err
	}
	if err := server.Start(ctx); err != nil {
		return err
	}
	defer server.Shutdown()

	// Hold accepted endpoints open until the peer goes away. A replication
	// layer would take them over here.
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case endpoint := <-server.Accepted():
			go drainEndpoint(endpoint, logger)
		}
	}
}

func runClient(ctx context.Context, config *core.Config, logger *logrus.Logger) error {
	if config.Client.Inspector {
		inspector.Start(logger, config.Debugging.InspectorPort)
	}

	client, err := session.NewClient(config, logger)
	if err != nil {
		return err
	}

	endpoint, err := client.Connect(ctx)
	if err != nil {
		return err
	}
	defer endpoint.Close()

	go drainEndpoint(endpoint, logger)

	<-ctx.Done()
	return ctx.Err()
}

func drainEndpoint(endpoint *session.Endpoint, logger *logrus.Logger) {
	for {
		if _, err := endpoint.Recv(); err != nil {
			logger.Infof("session with client %d ended", endpoint.ClientID())
			return
		}
	}
}
