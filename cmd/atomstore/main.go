// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "atomstore",
		Usage: "Content-addressable atom store with landmark search",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Usage:   "Path to BadgerDB database directory (overrides data_dir)",
				EnvVars: []string{"ATOMSTORE_DB"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML configuration file",
				Value:   "atomstore.yaml",
				EnvVars: []string{"ATOMSTORE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from this file if it exists",
				Value: ".env",
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			{
				Name:   "put",
				Usage:  "Store content and print its atom",
				Action: putCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "text",
						Usage: "Text content to store",
					},
					&cli.StringFlag{
						Name:  "file",
						Usage: "Read content from a file",
					},
					&cli.StringFlag{
						Name:  "modality",
						Usage: "Content modality (text, pixel, tensor_weight, code_node, binary)",
						Value: "text",
					},
					&cli.StringFlag{
						Name:  "subtype",
						Usage: "Modality subtype",
					},
					&cli.StringFlag{
						Name:  "model",
						Usage: "Embedding model of --vector",
					},
					&cli.StringFlag{
						Name:  "vector",
						Usage: "Comma separated embedding vector",
					},
					&cli.BoolFlag{
						Name:  "embed",
						Usage: "Embed text content with the configured embedding service",
					},
				},
			},
			{
				Name:   "get",
				Usage:  "Print an atom, optionally as of a point in time",
				Action: getCommand,
				Flags: []cli.Flag{
					idFlag(),
					&cli.TimestampFlag{
						Name:   "as-of",
						Usage:  "Show the version valid at this RFC 3339 time",
						Layout: "2006-01-02T15:04:05Z07:00",
					},
				},
			},
			{
				Name:   "history",
				Usage:  "List every version of an atom",
				Action: historyCommand,
				Flags:  []cli.Flag{idFlag()},
			},
			{
				Name:   "release",
				Usage:  "Drop one reference to an atom",
				Action: releaseCommand,
				Flags:  []cli.Flag{idFlag()},
			},
			{
				Name:   "search",
				Usage:  "Find the atoms nearest to a query",
				Action: searchCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "query",
						Usage: "Text to embed with the configured embedding service",
					},
					&cli.StringFlag{
						Name:  "model",
						Usage: "Embedding model of --vector",
					},
					&cli.StringFlag{
						Name:  "vector",
						Usage: "Comma separated query vector",
					},
					&cli.IntFlag{
						Name:    "top-k",
						Aliases: []string{"k"},
						Usage:   "Number of results",
						Value:   10,
					},
				},
			},
			{
				Name:  "landmarks",
				Usage: "Manage landmark sets",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List the landmark sets of every model",
						Action: landmarksListCommand,
					},
					{
						Name:   "rotate",
						Usage:  "Build and activate a new landmark set",
						Action: landmarksRotateCommand,
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "model",
								Aliases:  []string{"m"},
								Usage:    "Embedding model",
								Required: true,
							},
							&cli.BoolFlag{
								Name:  "wait",
								Usage: "Wait for the index rebuild to finish",
								Value: true,
							},
						},
					},
				},
			},
			{
				Name:   "reproject",
				Usage:  "Rebuild a model's spatial index for its active landmark set",
				Action: reprojectCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "model",
						Aliases:  []string{"m"},
						Usage:    "Embedding model",
						Required: true,
					},
				},
			},
			{
				Name:   "reembed",
				Usage:  "Embed every text atom of one model with another",
				Action: reembedCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "from",
						Usage:    "Source embedding model",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "to",
						Usage: "Target embedding model (defaults to the configured model)",
					},
					&cli.StringFlag{
						Name:  "embedding-host",
						Usage: "Embedding service host URL (overrides the configuration)",
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of embeddings to process in each batch",
					},
				},
			},
			{
				Name:   "gc",
				Usage:  "Purge unreferenced atoms now",
				Action: gcCommand,
			},
			{
				Name:   "stats",
				Usage:  "Summarize the store",
				Action: statsCommand,
			},
		},
	}
}

func idFlag() cli.Flag {
	return &cli.Uint64Flag{
		Name:     "id",
		Usage:    "Atom ID",
		Required: true,
	}
}

// setup loads the env file, then configures logging.
func setup(c *cli.Context) error {
	if path := c.String("env-file"); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return setupLogger(c)
}

func setupLogger(c *cli.Context) error {
	var level slog.Level
	switch levelStr := strings.ToLower(c.String("log-level")); levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return nil
}
