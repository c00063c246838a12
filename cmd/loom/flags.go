package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/rt"
)

var (
	deviceID       int64
	dispatchers    int64
	parallelism    int64
	arenaMB        int64
	watchdogCycles int64
	controlBinary  string
	vectorBinary   string
	logLevel       string
	logFormat      string
	debug          bool
)

func commonLaunchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "device",
			Aliases:     []string{"d"},
			Usage:       "device id (0-15)",
			Value:       0,
			Destination: &deviceID,
		},
		&cli.Int64Flag{
			Name:        "dispatchers",
			Usage:       "dispatcher thread count",
			Value:       2,
			Destination: &dispatchers,
		},
		&cli.Int64Flag{
			Name:        "parallelism",
			Usage:       "concurrent kernel invocations per unit",
			Value:       1,
			Destination: &parallelism,
		},
		&cli.Int64Flag{
			Name:        "arena-mb",
			Usage:       "device arena size in MiB",
			Value:       64,
			Destination: &arenaMB,
		},
		&cli.Int64Flag{
			Name:        "watchdog-cycles",
			Usage:       "scheduling cycles without progress before abort",
			Destination: &watchdogCycles,
		},
		&cli.StringFlag{
			Name:        "control-binary",
			Usage:       "path to the control-tier dispatch program",
			Destination: &controlBinary,
		},
		&cli.StringFlag{
			Name:        "vector-binary",
			Usage:       "path to the matrix/vector engine image",
			Destination: &vectorBinary,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func buildLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = logger.ParseLevel("debug")
	}
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "text":
		return logger.Default()
	default:
		return logger.Pretty(os.Stderr, level)
	}
}

// launchParams assembles LaunchParams from the shared flags. Engine binaries
// fall back to built-in stub payloads when no path is given, so the simulated
// units can run without a device toolchain installed.
func launchParams() (rt.LaunchParams, error) {
	params := rt.LaunchParams{
		DispatcherThreads: int(dispatchers),
		UnitParallelism:   int(parallelism),
		DeviceID:          int(deviceID),
		WatchdogCycles:    int(watchdogCycles),
	}
	var err error
	params.ControlBinary, err = loadBinary(controlBinary, "loom-control-dispatch")
	if err != nil {
		return params, err
	}
	params.VectorEngineBinary, err = loadBinary(vectorBinary, "loom-engine-image")
	return params, err
}

func loadBinary(path, stub string) ([]byte, error) {
	if path == "" {
		return []byte(stub), nil
	}
	return os.ReadFile(path)
}
