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
	"log/slog"
	"sort"

	"github.com/nlsantos/devc/config"
	"github.com/nlsantos/devc/internal/devcerr"
)

// runReadConfiguration parses and fully resolves a devcontainer.json
// (including extends merging and variable substitution) and prints
// the result as JSON to stdout, without touching the container
// engine, unless --include-merged-configuration additionally asks for
// the Feature-merged view.
//
// The configuration always comes from a devcontainer.json located via
// cmd.Arguments (or the standard search patterns); no container is
// consulted. --container-id and --id-label only satisfy the up-front
// check: with neither given and no devcontainer.json discoverable,
// the command fails (S5) with nothing written to stdout and exits 1.
// With a selector but no discoverable devcontainer.json, locating the
// file still fails and the command exits 1.
func (cmd *Command) runReadConfiguration() ExitCode {
	hasSelector := len(cmd.Options.ContainerID) > 0 || len(cmd.Options.IDLabel) > 0
	candidates := findDevcontainerJSONCandidates(cmd.Arguments)
	if len(candidates) == 0 && !hasSelector {
		cmd.writeError(devcerr.ValidationMissingRequired("read-configuration requires --container-id, --id-label, or a discoverable devcontainer.json"))
		return ExitError
	}

	parser, exit, ok := cmd.openParser(cmd.Arguments)
	if !ok {
		return exit
	}

	payload := map[string]any{"configuration": parser.Config}

	if parser.Config.WorkspaceFolder != nil {
		payload["workspace"] = map[string]any{"workspaceFolder": *parser.Config.WorkspaceFolder}
	}

	if cmd.Options.IncludeFeaturesConfiguration || cmd.Options.IncludeMergedConfiguration {
		if err := cmd.ParseFeaturesConfig(context.Background(), parser, parser.Config.Features); err != nil {
			slog.Error("encountered an error while resolving features", "error", err)
			return ExitError
		}
	}

	if cmd.Options.IncludeFeaturesConfiguration {
		entries := make([]config.DevcontainerFeatureConfig, 0, len(cmd.featureParsersLookup))
		for _, featureParser := range cmd.featureParsersLookup {
			entries = append(entries, featureParser.Config)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
		payload["featuresConfiguration"] = entries
	}

	if cmd.Options.IncludeMergedConfiguration {
		merged, err := cmd.BuildMergedConfig(parser)
		if err != nil {
			slog.Error("encountered an error while building the merged configuration", "error", err)
			return ExitError
		}
		parser.Merged = merged
		payload["mergedConfiguration"] = merged
	}

	cmd.writePayload(payload)
	return ExitNormal
}
