package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loom/internal/device"
	"github.com/samcharles93/loom/internal/oracle"
	"github.com/samcharles93/loom/internal/rt"
)

func runCmd() *cli.Command {
	var elems int64

	return &cli.Command{
		Name:      "run",
		Usage:     "Run the built-in round-trip validation graph",
		ArgsUsage: "[device-id]",
		Flags: append(commonLaunchFlags(), append(loggingFlags(),
			&cli.Int64Flag{
				Name:        "elems",
				Usage:       "elements per tensor",
				Value:       oracle.RoundTripElems,
				Destination: &elems,
			},
		)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyLaunchConfig(cmd, LoadConfig())
			if arg := cmd.Args().First(); arg != "" {
				id, err := strconv.Atoi(arg)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: device id %q: %v", arg, err), 2)
				}
				deviceID = int64(id)
			}
			return executeCase(ctx, oracle.RoundTrip(int(elems)))
		},
	}
}

// executeCase opens a device session, runs one oracle case, and prints its
// JSON report. The process exits non-zero when the run or validation fails.
func executeCase(ctx context.Context, c oracle.Case) error {
	log := buildLogger()
	params, err := launchParams()
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: engine binaries: %v", err), 1)
	}

	session, err := device.OpenArena(int(deviceID), int(arenaMB)<<20)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: open device: %v", err), 1)
	}
	runtime := rt.New(session, log)
	defer func() { _ = runtime.Close() }()

	report, runErr := oracle.Execute(ctx, runtime, params, c)
	if report != nil {
		out, jsonErr := report.JSON()
		if jsonErr == nil {
			fmt.Println(string(out))
		}
	}
	if runErr != nil {
		return cli.Exit(fmt.Sprintf("error: %v", runErr), 1)
	}
	log.Info("case passed", "case", c.Name, "device", deviceID)
	return nil
}
