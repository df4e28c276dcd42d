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

// Package devc houses a CLI tool for working with devcontainer.json
package devc

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/nlsantos/devc/config"
)

// resolvedFeatureOrder returns the resolved Features in the
// deterministic install order used everywhere install order matters:
// feature installation itself, lifecycle command aggregation, and
// BuildMergedConfig below. Ties between Features with no ordering
// relationship between them are broken on the canonical feature ID,
// ascending, so a given set of Features always installs the same way.
func (cmd *Command) resolvedFeatureOrder(overrideOrder *[]string) ([]*config.DevcontainerFeatureParser, error) {
	installDAG, err := cmd.BuildFeaturesInstallationGraph(overrideOrder)
	if err != nil {
		return nil, err
	}

	var ordered []*config.DevcontainerFeatureParser
	roots := installDAG.GetRoots()
	for len(roots) > 0 {
		ids := make([]string, 0, len(roots))
		for id := range roots {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			featureParser, ok := roots[id].(*config.DevcontainerFeatureParser)
			if !ok {
				return nil, fmt.Errorf("value for vertex is of unexpected type")
			}
			ordered = append(ordered, featureParser)
		}
		for _, id := range ids {
			if err := installDAG.DeleteVertex(id); err != nil {
				return nil, err
			}
		}
		roots = installDAG.GetRoots()
	}

	return ordered, nil
}

// BuildMergedConfig folds every resolved Feature's metadata.json
// (security options, mounts, entrypoint, containerEnv, and lifecycle
// commands) together with devcontainer.json's own settings, following
// the install order Features actually run in. The result is stashed
// on p.Merged for the Container Engine Adapter and the Lifecycle
// Engine to consume.
func (cmd *Command) BuildMergedConfig(p *config.DevcontainerParser) (*config.MergedConfig, error) {
	ordered, err := cmd.resolvedFeatureOrder(&p.Config.OverrideFeatureInstallOrder)
	if err != nil {
		return nil, err
	}

	merged := &config.MergedConfig{
		CombinedEnv:      map[string]string{},
		LifecycleByPhase: map[string][]config.AggregatedCommand{},
	}

	capAddSeen := map[string]bool{}
	addCapAdd := func(v string) {
		v = strings.ToUpper(v)
		if capAddSeen[v] {
			return
		}
		capAddSeen[v] = true
		merged.Security.CapAdd = append(merged.Security.CapAdd, v)
	}
	secOptSeen := map[string]bool{}
	addSecOpt := func(v string) {
		if secOptSeen[v] {
			return
		}
		secOptSeen[v] = true
		merged.Security.SecurityOpt = append(merged.Security.SecurityOpt, v)
	}

	if p.Config.Privileged != nil && *p.Config.Privileged {
		merged.Security.Privileged = true
	}
	if p.Config.Init != nil && *p.Config.Init {
		merged.Security.Init = true
	}
	for _, v := range p.Config.CapAdd {
		addCapAdd(v)
	}
	for _, v := range p.Config.SecurityOpt {
		addSecOpt(v)
	}

	var mountOrder []string
	mountByTarget := map[string]*config.MobyMount{}
	addMount := func(m *config.MobyMount) {
		if m == nil {
			return
		}
		if _, exists := mountByTarget[m.Target]; !exists {
			mountOrder = append(mountOrder, m.Target)
		}
		mountByTarget[m.Target] = m
	}

	var entrypoints []string
	var featureOrder []string

	for _, fp := range ordered {
		fc := &fp.Config
		featureOrder = append(featureOrder, fc.ID)

		if fc.Privileged != nil && *fc.Privileged {
			merged.Security.Privileged = true
		}
		if fc.Init != nil && *fc.Init {
			merged.Security.Init = true
		}
		for _, v := range fc.CapAdd {
			addCapAdd(v)
		}
		for _, v := range fc.SecurityOpt {
			addSecOpt(v)
		}
		for _, m := range fc.Mounts {
			addMount(m)
		}
		for k, v := range fc.ContainerEnv {
			merged.CombinedEnv[k] = v
		}
		if fc.Entrypoint != nil && len(*fc.Entrypoint) > 0 {
			entrypoints = append(entrypoints, *fc.Entrypoint)
		}

		for _, phase := range config.LifecyclePhases {
			lc := featureLifecycleCommand(fc, phase)
			if lc == nil || lifecycleCommandEmpty(lc) {
				continue
			}
			merged.LifecycleByPhase[phase] = append(merged.LifecycleByPhase[phase], config.AggregatedCommand{
				Command: *lc,
				Source:  "feature:" + fc.ID,
			})
		}
	}

	for _, m := range p.Config.Mounts {
		addMount(m)
	}
	for _, target := range mountOrder {
		merged.Mounts = append(merged.Mounts, mountByTarget[target])
	}

	for k, v := range p.Config.ContainerEnv {
		merged.CombinedEnv[k] = v
	}

	if p.Config.Entrypoint != nil && len(*p.Config.Entrypoint) > 0 {
		entrypoints = append(entrypoints, *p.Config.Entrypoint)
	}

	for _, phase := range config.LifecyclePhases {
		lc := configLifecycleCommand(&p.Config, phase)
		if lc == nil || lifecycleCommandEmpty(lc) {
			continue
		}
		merged.LifecycleByPhase[phase] = append(merged.LifecycleByPhase[phase], config.AggregatedCommand{
			Command: *lc,
			Source:  "config",
		})
	}

	merged.FeatureOrder = featureOrder

	switch len(entrypoints) {
	case 0:
		merged.Entrypoint = config.EntrypointChain{Kind: config.EntrypointNone}
	case 1:
		merged.Entrypoint = config.EntrypointChain{Kind: config.EntrypointSingle, Command: entrypoints[0]}
	default:
		wrapperPath, err := writeEntrypointWrapper(entrypoints)
		if err != nil {
			return nil, err
		}
		merged.Entrypoint = config.EntrypointChain{Kind: config.EntrypointChained, Entries: entrypoints, WrapperPath: wrapperPath}
	}

	return merged, nil
}

// featureLifecycleCommand returns the LifecycleCommand field on fc
// corresponding to phase, or nil if phase is unrecognized.
func featureLifecycleCommand(fc *config.DevcontainerFeatureConfig, phase string) *config.LifecycleCommand {
	switch phase {
	case config.PhaseOnCreate:
		return fc.OnCreateCommand
	case config.PhaseUpdateContent:
		return fc.UpdateContentCommand
	case config.PhasePostCreate:
		return fc.PostCreateCommand
	case config.PhasePostStart:
		return fc.PostStartCommand
	case config.PhasePostAttach:
		return fc.PostAttachCommand
	default:
		return nil
	}
}

// configLifecycleCommand returns the LifecycleCommand field on dc
// corresponding to phase, or nil if phase is unrecognized.
func configLifecycleCommand(dc *config.DevcontainerConfig, phase string) *config.LifecycleCommand {
	switch phase {
	case config.PhaseOnCreate:
		return dc.OnCreateCommand
	case config.PhaseUpdateContent:
		return dc.UpdateContentCommand
	case config.PhasePostCreate:
		return dc.PostCreateCommand
	case config.PhasePostStart:
		return dc.PostStartCommand
	case config.PhasePostAttach:
		return dc.PostAttachCommand
	default:
		return nil
	}
}

// lifecycleCommandEmpty reports whether lc has no command to run in
// any of its three forms.
func lifecycleCommandEmpty(lc *config.LifecycleCommand) bool {
	return lc.String == nil && len(lc.StringArray) == 0 && lc.ParallelCommands == nil
}

// writeEntrypointWrapper writes a shell script to a host temp file
// that runs each of entries in sequence before handing off to the
// container's actual command, for use as the container's entrypoint
// when more than one Feature (or a Feature and devcontainer.json)
// contributes one.
func writeEntrypointWrapper(entries []string) (string, error) {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -e\n")
	for _, entry := range entries {
		b.WriteString(entry)
		b.WriteString("\n")
	}
	b.WriteString(`exec "$@"` + "\n")

	f, err := os.CreateTemp("", "devc-entrypoint-*.sh")
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.WriteString(b.String()); err != nil {
		return "", err
	}
	if err := os.Chmod(f.Name(), 0o755); err != nil {
		return "", err
	}

	return f.Name(), nil
}
