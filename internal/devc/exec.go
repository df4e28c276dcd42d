/*
   devc: The lightweight, native Go CLI for devcontainers
   Copyright (C) 2025  Neil Santos

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.
*/

package devc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/nlsantos/devc/internal/engine"
)

// runExec runs a command inside an already-running devcontainer.
//
// Unlike up/build/down, exec's Arguments are entirely the command to
// run (e.g. `devc exec bash -lc "go test ./..."`); the devcontainer.json
// is always located via the standard search patterns. An explicit
// --container-id/--id-label selects the target container in place of
// the container name derived from that devcontainer.json.
//
// exec is the one devc operation that does not collapse its exit code
// to the usual 0/1 contract: it calls os.Exit itself, mirroring the
// exit status of the command that ran remotely.
func (cmd *Command) runExec() ExitCode {
	if len(cmd.Arguments) == 0 {
		fmt.Println("exec requires a command to run inside the devcontainer")
		return ExitErrorParsingFlags
	}

	parser, exit, ok := cmd.openParser(nil)
	if !ok {
		return exit
	}

	engineClient, exit, ok := cmd.newEngineClient()
	if !ok {
		return exit
	}
	cmd.engineClient = engineClient
	defer func() {
		if err := engineClient.Close(); err != nil {
			slog.Error("received an error while closing the engine client", "error", err)
		}
	}()

	containerName := createImageTagBase(parser)
	found, err := cmd.selectContainer(engineClient, containerName)
	if err != nil {
		slog.Error("encountered an error while looking for the devcontainer", "error", err)
		return ExitError
	}
	if !found {
		fmt.Fprintf(os.Stderr, "no running devcontainer found for %s; run `devc up` first\n", containerName)
		return ExitContainerNotFound
	}

	remoteUser := ""
	if parser.Config.RemoteUser != nil {
		remoteUser = *parser.Config.RemoteUser
	}

	stdout, stderr, err := engineClient.ExecInContainer(context.Background(), engineClient.ContainerID, remoteUser, &parser.Config.RemoteEnv, false, cmd.Arguments...)
	if cmd.sink != nil {
		cmd.sink.Payload(stdout.Bytes())
	} else {
		fmt.Print(stdout.String())
	}
	fmt.Fprint(os.Stderr, stderr.String())

	var execErr *engine.ExecExitError
	if errors.As(err, &execErr) {
		if err := engineClient.Close(); err != nil {
			slog.Error("received an error while closing the engine client", "error", err)
		}
		os.Exit(execErr.Code)
	}
	if err != nil {
		slog.Error("command could not be run in the devcontainer", "error", err)
		return ExitError
	}

	return ExitNormal
}
