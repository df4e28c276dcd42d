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
	"fmt"
	"log/slog"
)

// runDown tears down a devcontainer previously brought up with
// `devc up`: a single container is stopped and removed, a Compose
// project has its services and networks torn down; Compose volumes
// are left in place.
func (cmd *Command) runDown() ExitCode {
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

	if parser.Config.DockerComposeFile != nil && len(*parser.Config.DockerComposeFile) > 0 {
		if err := engineClient.TeardownComposerProject(); err != nil {
			slog.Error("encountered an error while tearing down the Compose project", "error", err)
			return ExitError
		}
		fmt.Println("Compose project torn down")
		return ExitNormal
	}

	containerName := createImageTagBase(parser)
	found, err := cmd.selectContainer(engineClient, containerName)
	if err != nil {
		slog.Error("encountered an error while looking for the devcontainer", "error", err)
		return ExitError
	}
	if !found {
		fmt.Printf("no running devcontainer found for %s\n", containerName)
		return ExitNormal
	}

	if err := engineClient.StopDevcontainer(); err != nil {
		slog.Error("encountered an error while stopping the devcontainer", "error", err)
		return ExitError
	}
	fmt.Printf("%s stopped\n", containerName)

	if cmd.Options.Remove {
		if err := engineClient.RemoveContainer(engineClient.ContainerID); err != nil {
			slog.Error("encountered an error while removing the devcontainer", "error", err)
			return ExitError
		}
		fmt.Printf("%s removed\n", containerName)
	}
	return ExitNormal
}
