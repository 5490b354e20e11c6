// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

// thingengine-state-check inspects the persisted remote-program state
// of an engine instance. It lists programs, dumps one program's flow
// membership as JSON, or checks a termination condition for use in
// scripts and health checks.
//
// Exit codes: 0 on success (condition met), 1 when a requested
// condition is not met, 2 on usage or I/O errors.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/Schizo-Joe/thingengine-core/lib/channelstate"
	"github.com/Schizo-Joe/thingengine-core/lib/config"
	"github.com/Schizo-Joe/thingengine-core/remote"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("thingengine-state-check", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to thingengine.yaml (default: $THINGENGINE_CONFIG)")
	dbPath := flags.String("db", "", "channel state database path (overrides the config file)")
	program := flags.String("program", "", "program id to inspect")
	flow := flags.String("flow", "", "restrict --ended to one flow of the program")
	ended := flags.Bool("ended", false, "exit 0 if the program (or flow) has ended, 1 otherwise")
	if err := flags.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	if *flow != "" && !*ended {
		fmt.Fprintln(os.Stderr, "error: --flow only makes sense with --ended")
		return 2
	}
	if *ended && *program == "" {
		fmt.Fprintln(os.Stderr, "error: --ended requires --program")
		return 2
	}

	path, err := statePath(*configPath, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	store, err := channelstate.OpenStore(channelstate.StoreConfig{Path: path})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	defer store.Close()

	ctx := context.Background()
	if *program == "" {
		return listPrograms(ctx, store)
	}

	snapshot, found, err := remote.ReadProgramState(ctx, store, *program)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	if !found {
		fmt.Fprintf(os.Stderr, "error: no state for program %q\n", *program)
		return 2
	}

	if *ended {
		return checkEnded(snapshot, *flow)
	}
	return dumpSnapshot(snapshot)
}

// statePath resolves the database path: an explicit --db wins, then
// the config file.
func statePath(configPath, dbPath string) (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return "", err
	}
	return cfg.Paths.StateDB, nil
}

func listPrograms(ctx context.Context, store *channelstate.Store) int {
	programs, err := remote.ListPrograms(ctx, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	for _, id := range programs {
		fmt.Println(id)
	}
	return 0
}

func dumpSnapshot(snapshot *remote.ProgramSnapshot) int {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(snapshot); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	return 0
}

func checkEnded(snapshot *remote.ProgramSnapshot, flow string) int {
	if flow == "" {
		if snapshot.AllEnded {
			return 0
		}
		// A program with no open flows counts as ended too.
		for _, flowState := range snapshot.Flows {
			if !flowState.AllEnded {
				fmt.Fprintf(os.Stderr, "program %s still has open flows\n", snapshot.ProgramID)
				return 1
			}
		}
		if len(snapshot.Flows) == 0 && !snapshot.AllEnded {
			fmt.Fprintf(os.Stderr, "program %s has not ended\n", snapshot.ProgramID)
			return 1
		}
		return 0
	}

	flowState, ok := snapshot.Flows[flow]
	if !ok {
		fmt.Fprintf(os.Stderr, "error: program %s has no flow %q\n", snapshot.ProgramID, flow)
		return 2
	}
	if !flowState.AllEnded {
		fmt.Fprintf(os.Stderr, "flow %s of program %s has not ended\n", flow, snapshot.ProgramID)
		return 1
	}
	return 0
}
