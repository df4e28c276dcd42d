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
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// runUp brings a devcontainer up: it resolves the devcontainer.json,
// builds or pulls whatever image the container needs, starts it (or
// its Compose project), and drives it through its lifecycle commands.
func (cmd *Command) runUp() ExitCode {
	parser, exit, ok := cmd.openParser(cmd.Arguments)
	if !ok {
		return exit
	}
	if cmd.Options.ValidateOnly {
		slog.Info("devcontainer.json validated and parsed successfully", "path", parser.Filepath)
		return ExitNormal
	}

	if err := cmd.ParseFeaturesConfig(context.Background(), parser, parser.Config.Features); err != nil {
		slog.Error("encountered an error while resolving features", "error", err)
		return ExitError
	}

	engineClient, exit, ok := cmd.newEngineClient()
	if !ok {
		return exit
	}
	cmd.engineClient = engineClient

	succeeded := false
	defer func() {
		if !succeeded {
			if parser.Config.DockerComposeFile == nil {
				if len(engineClient.ContainerID) > 0 {
					if err := engineClient.StopDevcontainer(); err != nil {
						slog.Error("encountered an error while tearing down the devcontainer", "error", err)
					}
				}
			} else if err := engineClient.TeardownComposerProject(); err != nil {
				slog.Error("encountered an error while trying to tear down the Compose project", "error", err)
			}
		}

		if err := engineClient.Close(); err != nil {
			slog.Error("received an error while closing the engine client", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer cancel()
		return cmd.lifecycleHandler(egCtx, eg, parser)
	})
	eg.Go(func() (err error) {
		imageName := createImageTagBase(parser)
		var imageTag string
		switch {
		case parser.Config.DockerFile != nil && len(*parser.Config.DockerFile) > 0:
			imageTag = fmt.Sprintf("%s%s", ImageTagPrefix, imageName)
			if err = engineClient.BuildDevcontainerImage(parser, imageTag, cmd.suppressOutput); err != nil {
				slog.Error("encountered an error while trying to build an image based on devcontainer.json", "error", err)
				return err
			}
			if err = engineClient.StartDevcontainerContainer(parser, imageTag, imageName); err != nil {
				slog.Error("encountered an error while trying to start the devcontainer", "error", err)
				return err
			}

		case parser.Config.DockerComposeFile != nil && len(*parser.Config.DockerComposeFile) > 0:
			if err = engineClient.DeployComposerProject(parser, imageName, ImageTagPrefix, false, false, cmd.suppressOutput); err != nil {
				slog.Error("encountered an error while trying to build a Compose project", "error", err)
				return err
			}

		case parser.Config.Image != nil && len(*parser.Config.Image) > 0:
			imageTag = *parser.Config.Image
			if err = engineClient.PullContainerImage(imageTag, cmd.suppressOutput); err != nil {
				slog.Error("encountered an error while trying to pull an image based on devcontainer.json", "error", err)
				return err
			}
			if err = engineClient.StartDevcontainerContainer(parser, imageTag, imageName); err != nil {
				slog.Error("encountered an error while trying to start the devcontainer", "error", err)
				return err
			}

		default:
			return fmt.Errorf("devcontainer.json specifies an unsupported mode of operation; exiting")
		}
		return err
	})

	if err := eg.Wait(); err != nil {
		slog.Error("errgroup encountered an error", "error", err)
		return ExitError
	}

	succeeded = true
	cmd.writeOutcome(map[string]any{
		"containerId":           engineClient.ContainerID,
		"remoteUser":            parser.Config.RemoteUser,
		"remoteWorkspaceFolder": parser.Config.WorkspaceFolder,
	})

	slog.Debug("exiting cleanly")
	return ExitNormal
}
