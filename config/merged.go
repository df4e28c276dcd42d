/*
   devc: a devcontainer.json parser
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

package config

// Lifecycle phase identifiers used to key MergedConfig.LifecycleByPhase
// and to look up the matching field on DevcontainerConfig/
// DevcontainerFeatureConfig. Ordering here is the ordering lifecycle
// phases actually run in.
const (
	PhaseOnCreate      = "onCreate"
	PhaseUpdateContent = "updateContent"
	PhasePostCreate    = "postCreate"
	PhasePostStart     = "postStart"
	PhasePostAttach    = "postAttach"
)

// LifecyclePhases lists the above constants in run order.
var LifecyclePhases = []string{
	PhaseOnCreate,
	PhaseUpdateContent,
	PhasePostCreate,
	PhasePostStart,
	PhasePostAttach,
}

// AggregatedCommand pairs a lifecycle command with the thing that
// contributed it: either a resolved Feature ("feature:<id>") or
// devcontainer.json itself ("config").
type AggregatedCommand struct {
	Command LifecycleCommand
	Source  string
}

// MergedSecurity is the union of the security-relevant settings
// contributed by devcontainer.json and every resolved Feature.
type MergedSecurity struct {
	Privileged  bool
	Init        bool
	CapAdd      []string
	SecurityOpt []string
}

// EntrypointKind distinguishes the three possible shapes a merged
// entrypoint can take.
type EntrypointKind int

const (
	// EntrypointNone means neither devcontainer.json nor any resolved
	// Feature declared an entrypoint.
	EntrypointNone EntrypointKind = iota
	// EntrypointSingle means exactly one entrypoint was declared; it
	// is used as-is.
	EntrypointSingle
	// EntrypointChained means more than one entrypoint was declared;
	// a generated wrapper script runs each in turn before exec-ing
	// the container's command.
	EntrypointChained
)

// EntrypointChain describes the container's effective entrypoint once
// every contributing Feature and devcontainer.json itself have been
// folded together.
type EntrypointChain struct {
	Kind EntrypointKind

	// Command is populated when Kind == EntrypointSingle.
	Command string
	// Entries is populated when Kind == EntrypointChained, in the
	// order each entrypoint should run.
	Entries []string
	// WrapperPath is the host path of the generated wrapper script
	// when Kind == EntrypointChained; it is bind-mounted read-only
	// into the container and used as its entrypoint.
	WrapperPath string
}

// MergedConfig is the result of folding every resolved Feature's
// metadata into devcontainer.json's own settings: security options,
// mounts, entrypoint, environment, and lifecycle commands.
type MergedConfig struct {
	// FeatureOrder lists the resolved Features' canonical IDs in
	// install order.
	FeatureOrder []string

	Security   MergedSecurity
	Mounts     []*MobyMount
	Entrypoint EntrypointChain
	// CombinedEnv is containerEnv from every Feature (in install
	// order) then devcontainer.json's own containerEnv, later values
	// winning on key collision.
	CombinedEnv map[string]string
	// LifecycleByPhase holds, for each of LifecyclePhases, the
	// commands to run in order: one AggregatedCommand per Feature
	// that declares a non-empty command for that phase (in install
	// order), followed by devcontainer.json's own command for that
	// phase if it declares one.
	LifecycleByPhase map[string][]AggregatedCommand
}
