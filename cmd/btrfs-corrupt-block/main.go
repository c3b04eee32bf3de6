// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command btrfs-corrupt-block deliberately corrupts a btrfs
// filesystem, to exercise btrfs' redundancy and recovery paths.  It
// is a diagnostic tool; do not point it at data you want to keep.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/ablock84/btrfs-progs/lib/btrfs"
	"github.com/ablock84/btrfs-progs/lib/btrfs/btrfsvol"
	"github.com/ablock84/btrfs-progs/lib/btrfscorrupt"
	"github.com/ablock84/btrfs-progs/lib/textui"
)

// engineMode selects which corruption engine runs.  It is always set
// explicitly from the parsed flags; there is no "unset" state.
type engineMode int

const (
	modeBlock engineMode = iota
	modeExtentRecord
)

func main() {
	logLevelFlag := textui.LogLevelFlag{
		Level: dlog.LogLevelInfo,
	}
	var (
		logicalFlag  uint64
		copyFlag     int
		bytesFlag    int64
		extentFlag   bool
		mappingsFlag string
	)

	argparser := &cobra.Command{
		Use:   "btrfs-corrupt-block [flags] DEVICE...",
		Short: "Deliberately corrupt a btrfs filesystem",

		Args: cliutil.WrapPositionalArgs(cobra.MinimumNArgs(1)),

		SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc will handle it

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.Flags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	argparser.Flags().Uint64VarP(&logicalFlag, "logical", "l", 0,
		"`logical` address of the extent to corrupt (required, nonzero)")
	argparser.Flags().IntVarP(&copyFlag, "copy", "c", 0,
		"mirror `copy` of the extent to corrupt (0 means every copy)")
	argparser.Flags().Int64VarP(&bytesFlag, "bytes", "b", 0,
		"number of `bytes` to corrupt, rounded up to whole sectors (0 means one sector)")
	argparser.Flags().BoolVarP(&extentFlag, "extent-record", "e", false,
		"corrupt the extent tree records for the logical address, instead of the data itself")
	argparser.Flags().StringVar(&mappingsFlag, "mappings", "",
		"load chunk data from external JSON file `mappings.json`")
	if err := argparser.MarkFlagFilename("mappings"); err != nil {
		panic(err)
	}
	if err := argparser.MarkFlagRequired("logical"); err != nil {
		panic(err)
	}

	argparser.RunE = func(cmd *cobra.Command, args []string) error {
		// Validate the flag values before touching any device.
		if logicalFlag == 0 {
			return cliutil.FlagErrorFunc(cmd, fmt.Errorf("--logical must be nonzero"))
		}
		if copyFlag < 0 {
			return cliutil.FlagErrorFunc(cmd, fmt.Errorf("--copy must not be negative"))
		}
		if bytesFlag < 0 {
			return cliutil.FlagErrorFunc(cmd, fmt.Errorf("--bytes must not be negative"))
		}
		mode := modeBlock
		if extentFlag {
			mode = modeExtentRecord
		}

		ctx := cmd.Context()
		logger := textui.NewLogger(os.Stderr, logLevelFlag.Level)
		ctx = dlog.WithLogger(ctx, logger)
		dlog.SetFallbackLogger(logger.WithField("btrfs-progs.THIS_IS_A_BUG", true))

		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
			EnableSignalHandling: true,
		})
		grp.Go("main", func(ctx context.Context) (err error) {
			maybeSetErr := func(_err error) {
				if _err != nil && err == nil {
					err = _err
				}
			}
			fs, err := btrfs.Open(ctx, os.O_RDWR, args...)
			if err != nil {
				return err
			}
			defer func() {
				maybeSetErr(fs.Close())
			}()

			if mappingsFlag != "" {
				mappingsJSON, err := readJSONFile[[]btrfsvol.Mapping](mappingsFlag)
				if err != nil {
					return err
				}
				for _, mapping := range mappingsJSON {
					if err := fs.LV.AddMapping(mapping); err != nil {
						return err
					}
				}
			}

			sb, err := fs.Superblock()
			if err != nil {
				return err
			}
			dlog.Tracef(ctx, "superblock:\n%s", spew.Sdump(*sb))

			laddr := btrfsvol.LogicalAddr(logicalFlag)
			switch mode {
			case modeExtentRecord:
				scrub := &btrfscorrupt.Scrubber{
					Store: fs,
					Err:   os.Stderr,
				}
				return scrub.CorruptExtentRecords(ctx, laddr)
			default:
				corrupt := &btrfscorrupt.Corruptor{
					Map:        fs,
					IO:         fs,
					SectorSize: sb.SectorSize,
					Out:        os.Stdout,
				}
				return corrupt.CorruptRange(ctx, laddr, bytesFlag, copyFlag)
			}
		})
		return grp.Wait()
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
