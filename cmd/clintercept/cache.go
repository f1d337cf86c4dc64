package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/fxnlabs/clintercept/internal/icd/soft"
	"github.com/fxnlabs/clintercept/internal/progcache"
)

// hashCommand prints the key the program cache would file a payload under.
func hashCommand() *cli.Command {
	return &cli.Command{
		Name:      "hash",
		Usage:     "Print the program cache key of payload files",
		ArgsUsage: "FILE...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "kind",
				Value: progcache.KindSource.String(),
				Usage: "payload `KIND`: source, binary or il",
			},
			&cli.BoolFlag{
				Name:  "encode",
				Usage: "wrap source files the way the soft backend encodes binaries and IL",
			},
		},
		Action: func(c *cli.Context) error {
			kind, err := progcache.ParsePayloadKind(c.String("kind"))
			if err != nil {
				return err
			}
			if c.NArg() == 0 {
				return errors.New("no payload files given")
			}
			for _, path := range c.Args().Slice() {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if c.Bool("encode") {
					data = encode(kind, string(data))
				}
				var key progcache.Key
				switch kind {
				case progcache.KindSource:
					key = progcache.HashSource([]string{string(data)})
				case progcache.KindBinary:
					key = progcache.HashBinaries([][]byte{data})
				case progcache.KindIL:
					key = progcache.HashIL(data)
				}
				fmt.Fprintf(c.App.Writer, "%s  %-6s  %s\n", key, kind, path)
			}
			return nil
		},
	}
}

func encode(kind progcache.PayloadKind, source string) []byte {
	switch kind {
	case progcache.KindBinary:
		return soft.EncodeBinary(source)
	case progcache.KindIL:
		return soft.EncodeIL(source)
	}
	return []byte(source)
}

func cacheCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Inspect a program cache directory",
		Subcommands: []*cli.Command{
			{
				Name:  "ls",
				Usage: "List the artifacts of a cache directory",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "dir",
						Usage: "cache `DIR`; defaults to programCache.directory",
					},
					&cli.StringFlag{
						Name:  "hash",
						Usage: "only list artifacts whose key starts with `PREFIX`",
					},
				},
				Action: func(c *cli.Context) error {
					dir := c.String("dir")
					if dir == "" {
						dir = st.cfg.ProgramCache.Directory
					}
					if dir == "" {
						return errors.New("no cache directory configured")
					}
					artifacts, err := progcache.List(dir)
					if err != nil {
						return err
					}
					prefix := c.String("hash")
					tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "HASH\tKIND\tDEVICE\tOPTIONS\tSIZE\tFILE")
					listed := 0
					for _, a := range artifacts {
						if !strings.HasPrefix(a.Hash, prefix) {
							continue
						}
						device := "-"
						if a.Device >= 0 {
							device = fmt.Sprint(a.Device)
						}
						options := a.OptionsHash
						if options == "" {
							options = "-"
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", a.Hash, a.Kind, device, options, a.Size, a.Name)
						listed++
					}
					if err := tw.Flush(); err != nil {
						return err
					}
					st.log.Debug("listed cache artifacts")
					_, err = fmt.Fprintf(c.App.Writer, "%d artifact(s)\n", listed)
					return err
				},
			},
		},
	}
}
