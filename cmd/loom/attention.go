package main

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loom/internal/attention"
	"github.com/samcharles93/loom/internal/oracle"
)

func attentionCmd() *cli.Command {
	var (
		batch     int64
		groupRows int64
		headDim   int64
		blockSize int64
		ctxLen    int64
		scale     float64
		seed      int64
	)

	return &cli.Command{
		Name:      "attention",
		Usage:     "Run the tiled attention graph against the host reference",
		ArgsUsage: "[device-id]",
		Flags: append(commonLaunchFlags(), append(loggingFlags(),
			&cli.Int64Flag{
				Name:        "batch",
				Usage:       "row groups",
				Value:       2,
				Destination: &batch,
			},
			&cli.Int64Flag{
				Name:        "rows",
				Usage:       "query rows per group",
				Value:       4,
				Destination: &groupRows,
			},
			&cli.Int64Flag{
				Name:        "head-dim",
				Usage:       "head dimension",
				Value:       64,
				Destination: &headDim,
			},
			&cli.Int64Flag{
				Name:        "block-size",
				Usage:       "KV rows per page",
				Value:       32,
				Destination: &blockSize,
			},
			&cli.Int64Flag{
				Name:        "context",
				Usage:       "KV length per group",
				Value:       100,
				Destination: &ctxLen,
			},
			&cli.Float64Flag{
				Name:        "scale",
				Usage:       "score scale (default 1/sqrt(head-dim))",
				Destination: &scale,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "input generator seed",
				Value:       1,
				Destination: &seed,
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
			if scale == 0 {
				scale = 1 / math.Sqrt(float64(headDim))
			}
			cfg := attention.Config{
				Batch:     int(batch),
				GroupRows: int(groupRows),
				HeadDim:   int(headDim),
				BlockSize: int(blockSize),
				Scale:     float32(scale),
			}
			tiles := (int(ctxLen) + cfg.BlockSize - 1) / cfg.BlockSize
			for g := 0; g < cfg.Batch; g++ {
				cfg.ContextLens = append(cfg.ContextLens, int(ctxLen))
				table := make([]int, tiles)
				for t := range table {
					table[t] = g*tiles + t
				}
				cfg.BlockTable = append(cfg.BlockTable, table)
			}
			return executeCase(ctx, oracle.Attention(cfg, uint64(seed)))
		},
	}
}
