package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/altiora-ai/callcore/internal/callsim"
)

func main() {
	// CLI flags
	var (
		controlPort = flag.String("control-port", "8090", "Control API port")
		backendURL  = flag.String("backend-url", "http://localhost:8080", "Backend URL")
		from        = flag.String("from", "+15550100", "Caller number")
		to          = flag.String("to", "+15550199", "Dialed number")
		autoCalls   = flag.Int("calls", 0, "Calls to place at startup")
		concurrency = flag.Int("concurrency", 10, "Simultaneous calls")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	// Setup logger
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Str("service", "callsim").
		Logger()

	logger.Info().Msg("starting callsim")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	script := callsim.DefaultScript()
	script.From, script.To = *from, *to
	sim := callsim.NewSimulator(*backendURL, script, logger)
	api := callsim.NewAPI(ctx, sim, logger)

	go func() {
		addr := fmt.Sprintf(":%s", *controlPort)
		if err := api.Start(ctx, addr); err != nil {
			logger.Error().Err(err).Msg("control API stopped")
		}
	}()

	if *autoCalls > 0 {
		if err := sim.Start(ctx, *autoCalls, *concurrency); err != nil {
			logger.Error().Err(err).Msg("failed to start calls")
		}
	}

	logger.Info().
		Str("control_api", fmt.Sprintf("http://localhost:%s", *controlPort)).
		Str("backend_url", *backendURL).
		Msg("callsim ready")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down callsim")
	sim.Stop()
	cancel()
	time.Sleep(500 * time.Millisecond)
}
