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

	"github.com/nlsantos/devc/internal/devcerr"
)

// runBuild resolves a devcontainer.json and builds (without starting)
// whatever image it describes. It's a no-op for configurations that
// reference a pre-built image rather than a Dockerfile/Containerfile.
//
// --push and --output are mutually exclusive (S6): the check runs
// before any engine client is created, so a conflicting invocation
// never touches the container engine at all.
func (cmd *Command) runBuild() ExitCode {
	if cmd.Options.Push && len(cmd.Options.Output) > 0 {
		cmd.writeErrorOutcome(devcerr.ValidationMutuallyExclusive("--push", "--output"))
		return ExitError
	}

	parser, exit, ok := cmd.openParser(cmd.Arguments)
	if !ok {
		return exit
	}

	if err := cmd.ParseFeaturesConfig(context.Background(), parser, parser.Config.Features); err != nil {
		slog.Error("encountered an error while resolving features", "error", err)
		cmd.writeErrorOutcome(devcerr.BuildFailed(err))
		return ExitError
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

	imageName := createImageTagBase(parser)
	var imageTag string
	switch {
	case parser.Config.DockerFile != nil && len(*parser.Config.DockerFile) > 0:
		imageTag = fmt.Sprintf("%s%s", ImageTagPrefix, imageName)
		if err := engineClient.BuildDevcontainerImage(parser, imageTag, cmd.suppressOutput); err != nil {
			slog.Error("encountered an error while trying to build an image based on devcontainer.json", "error", err)
			cmd.writeErrorOutcome(devcerr.BuildFailed(err))
			return ExitError
		}

	case parser.Config.DockerComposeFile != nil && len(*parser.Config.DockerComposeFile) > 0:
		if err := engineClient.DeployComposerProject(parser, imageName, ImageTagPrefix, false, true, cmd.suppressOutput); err != nil {
			slog.Error("encountered an error while trying to build the Compose project's images", "error", err)
			cmd.writeErrorOutcome(devcerr.BuildFailed(err))
			return ExitError
		}
		if err := engineClient.TeardownComposerProject(); err != nil {
			slog.Error("encountered an error while tearing down the Compose project after building", "error", err)
			cmd.writeErrorOutcome(devcerr.BuildFailed(err))
			return ExitError
		}
		imageTag = imageName

	case parser.Config.Image != nil && len(*parser.Config.Image) > 0:
		slog.Info("devcontainer.json references a pre-built image; nothing to build", "image", *parser.Config.Image)
		imageTag = *parser.Config.Image

	default:
		slog.Error("devcontainer.json specifies an unsupported mode of operation")
		cmd.writeErrorOutcome(devcerr.ConfigurationNoEntryPoint())
		return ExitUnsupportedConfiguration
	}

	outcome := map[string]any{"imageName": imageTag}

	if cmd.Options.Push {
		if err := engineClient.PushImageToRegistry(imageTag, imageTag); err != nil {
			slog.Error("encountered an error while pushing the built image", "error", err)
			cmd.writeErrorOutcome(devcerr.NetworkTransport(err))
			return ExitError
		}
		outcome["pushed"] = true
	}

	if len(cmd.Options.Output) > 0 {
		if err := engineClient.ExportImage(imageTag, cmd.Options.Output); err != nil {
			slog.Error("encountered an error while exporting the built image", "error", err)
			cmd.writeErrorOutcome(devcerr.BuildFailed(err))
			return ExitError
		}
		outcome["exportPath"] = cmd.Options.Output
	}

	cmd.writeOutcome(outcome)
	return ExitNormal
}
