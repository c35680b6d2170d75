// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// iprofiler replays an interpreter workload through the profiler and reports the
// collected profiles.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/iprofiler/internal/controller"
	"go.opentelemetry.io/iprofiler/metrics/agentmetrics"
	"go.opentelemetry.io/iprofiler/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	cfg, err := parseArgs()
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if cfg.Version {
		fmt.Printf("%s\n", vc.Version())
		return exitSuccess
	}

	if cfg.VerboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		cfg.Dump()
	}

	if err = cfg.Validate(); err != nil {
		return parseError("%v", err)
	}

	// Context to drive main goroutine and the profiler monitors.
	ctx, cancel := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer cancel()

	log.Infof("Starting interpreter profiler %s (revision %s, build timestamp %s)",
		vc.Version(), vc.Revision(), vc.BuildTimestamp())

	// Start agent specific metric retrieval and report them every second.
	agentMetricCancel, err := agentmetrics.Start(ctx, 1*time.Second)
	if err != nil {
		return failure("Error starting the agent specific metric collection: %v", err)
	}
	defer agentMetricCancel()

	ctlr := controller.New(cfg)
	code := run(ctx, ctlr)
	if err = ctlr.Shutdown(); err != nil {
		log.Errorf("Failed to shut down: %v", err)
		code = max(code, exitFailure)
	}
	log.Info("Exiting ...")
	return code
}

func run(ctx context.Context, ctlr *controller.Controller) exitCode {
	if err := ctlr.Start(ctx); err != nil {
		return failureFromError("Failed to start", err)
	}
	startTime := time.Now()
	if err := ctlr.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("Interrupted, reporting the profiles collected so far")
		} else {
			return failureFromError("Failed to replay the workload", err)
		}
	}
	log.Infof("Replayed the workload in %v", time.Since(startTime))
	ctlr.Report()
	return exitSuccess
}

func failureFromError(msg string, err error) exitCode {
	log.Errorf("%s: %v", msg, err)
	var exitErr controller.ErrorWithExitCode
	if errors.As(err, &exitErr) {
		return exitCode(exitErr.Code())
	}
	return exitFailure
}

func parseError(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
