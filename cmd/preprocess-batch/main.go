package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
)

func envFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "env", Usage: "env file to load", Value: ".env"},
		&cli.BoolFlag{Name: "inmem", Usage: "use an in-memory SQLite database and object store", Value: true},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "preprocess-batch",
		Usage: "run tiling and sensor cleaning jobs locally",
		Commands: []*cli.Command{
			{
				Name:  "tile",
				Usage: "tile a GeoTIFF and write the tiles to a directory",
				Flags: append(envFlags(),
					&cli.StringFlag{Name: "in", Usage: "GeoTIFF to tile", Required: true},
					&cli.StringFlag{Name: "parcel", Usage: "parcel id", Value: "local"},
					&cli.StringFlag{Name: "mission", Usage: "mission id", Value: "batch"},
					&cli.IntFlag{Name: "tile-size", Usage: "tile side in pixels (defaults to TILE_SIZE)"},
					&cli.IntFlag{Name: "overlap", Usage: "overlap in pixels, 0 allowed (defaults to TILE_OVERLAP)"},
					&cli.StringFlag{Name: "compression", Usage: "lzw or deflate (defaults to TILE_COMPRESSION)"},
					&cli.StringFlag{Name: "out-dir", Usage: "directory receiving the tiles (in-memory mode only)", Value: "tiles"},
					&cli.StringFlag{Name: "xlsx", Usage: "optional XLSX report path"},
				),
				Action: tileAction,
			},
			{
				Name:  "clean",
				Usage: "normalize a JSON batch of sensor readings",
				Flags: append(envFlags(),
					&cli.StringFlag{Name: "in", Usage: "JSON file: a readings array or a full payload", Required: true},
					&cli.StringFlag{Name: "parcel", Usage: "batch parcel id"},
					&cli.StringFlag{Name: "strategy", Usage: "default or bounded"},
					&cli.StringFlag{Name: "xlsx", Usage: "optional XLSX report path"},
				),
				Action: cleanAction,
			},
			{
				Name:  "ingest",
				Usage: "submit tiling jobs for every GeoTIFF under {dir}/{parcel}/{mission}/",
				Flags: append(envFlags(),
					&cli.StringFlag{Name: "dir", Usage: "drop folder root", Required: true},
					&cli.StringFlag{Name: "parcel", Usage: "parcel id for files without a parcel directory"},
					&cli.StringFlag{Name: "mission", Usage: "mission id for files directly under the root"},
					&cli.IntFlag{Name: "tile-size", Usage: "tile side in pixels (defaults to TILE_SIZE)"},
					&cli.IntFlag{Name: "overlap", Usage: "overlap in pixels, 0 allowed (defaults to TILE_OVERLAP)"},
					&cli.BoolFlag{Name: "skip-hidden", Usage: "skip dot files and directories", Value: true},
					&cli.BoolFlag{Name: "watch", Usage: "keep watching the folder until interrupted"},
					&cli.DurationFlag{Name: "debounce", Usage: "quiet period before a written file is ingested", Value: 2 * time.Second},
				),
				Action: ingestAction,
			},
			{
				Name:  "export",
				Usage: "write the XLSX report of a stored job",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "env", Usage: "env file to load", Value: ".env"},
					&cli.StringFlag{Name: "job-id", Usage: "job to export", Required: true},
					&cli.StringFlag{Name: "out", Usage: "output XLSX path", Value: "job.xlsx"},
				},
				Action: exportAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		if _, werr := fmt.Fprintf(os.Stderr, "Error: %v\n", err); werr != nil {
			fmt.Printf("Error: %v\n", err)
		}
		os.Exit(1)
	}
}
