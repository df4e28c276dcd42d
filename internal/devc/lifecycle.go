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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/nlsantos/devc/config"
	"github.com/nlsantos/devc/internal/devcerr"
	"github.com/nlsantos/devc/internal/engine"
	"github.com/nlsantos/devc/internal/progress"
	"golang.org/x/sync/errgroup"
)

// lifecycleHandler monitors the engine client's lifecycle channel and
// runs the appropriate hooks.
func (cmd *Command) lifecycleHandler(ctx context.Context, eg *errgroup.Group, p *config.DevcontainerParser) (err error) {
	defer func() {
		cmd.engineClient.DevcontainerLifecycleResp <- err == nil
		close(cmd.engineClient.DevcontainerLifecycleResp)
	}()

	for event := range cmd.engineClient.DevcontainerLifecycleChan {
		switch event {
		case engine.LifecycleFeatureInstall:
			slog.Debug("lifecycle", "event", "feature:install")
			ordered, orderErr := cmd.resolvedFeatureOrder(&p.Config.OverrideFeatureInstallOrder)
			if orderErr != nil {
				return orderErr
			}
			for _, featureParser := range ordered {
				featureInstallScript := filepath.Join(filepath.Dir(featureParser.Filepath), "install.sh")
				featureOptions := &config.EnvVarMap{}
				for optName, opt := range featureParser.Config.Options {
					reAlphaNum := regexp.MustCompile(`[^\w_]`)
					reDigits := regexp.MustCompile(`^[\d_]+`)

					envKey := reAlphaNum.ReplaceAllLiteralString(optName, "_")
					envKey = reDigits.ReplaceAllLiteralString(envKey, "_")
					envKey = strings.ToUpper(envKey)

					switch opt.Type {
					case config.FeatureOptionTypeBoolean:
						(*featureOptions)[envKey] = strconv.FormatBool(*opt.Value.Bool)

					case config.FeatureOptionTypeString:
						(*featureOptions)[envKey] = *opt.Value.String
					}
				}

				stdout, stderr, execErr := cmd.engineClient.ExecInDevcontainer(ctx, "root", featureOptions, false, featureInstallScript)
				cmd.reportLifecycleRun("feature:install", featureParser.Config.ID, []string{featureInstallScript}, stdout.String(), stderr.String(), execErr)
				if execErr != nil {
					var installErr *engine.ExecExitError
					if errors.As(execErr, &installErr) {
						return devcerr.LifecycleFailed("featureInstall", featureParser.Config.ID, installErr.Code)
					}
					return devcerr.LifecycleFailed("featureInstall", featureParser.Config.ID, -1)
				}
			}

			merged, mergeErr := cmd.BuildMergedConfig(p)
			if mergeErr != nil {
				return mergeErr
			}
			p.Merged = merged

		case engine.LifecycleInitialize:
			slog.Debug("lifecycle", "event", "init")
			if p.Config.InitializeCommand != nil {
				if err = cmd.runLifecycleCommand(ctx, p.Config.InitializeCommand, p, true, "initializeCommand", "config"); err != nil {
					return err
				}
			}
			if *p.Config.WaitFor == config.WaitForInitializeCommand {
				eg.Go(cmd.engineClient.AttachHostTerminalToDevcontainer)
			}

		case engine.LifecycleOnCreate:
			slog.Debug("lifecycle", "event", "onCreate")
			if err = cmd.runAggregatedPhase(ctx, p, config.PhaseOnCreate, "onCreateCommand"); err != nil {
				return err
			}
			if *p.Config.WaitFor == config.WaitForOnCreateCommand {
				eg.Go(cmd.engineClient.AttachHostTerminalToDevcontainer)
			}

		case engine.LifecyclePostAttach:
			slog.Debug("lifecycle", "event", "postAttach")
			if err = cmd.runAggregatedPhase(ctx, p, config.PhasePostAttach, "postAttachCommand"); err != nil {
				return err
			}

		case engine.LifecyclePostCreate:
			slog.Debug("lifecycle", "event", "postCreate")
			if err = cmd.runAggregatedPhase(ctx, p, config.PhasePostCreate, "postCreateCommand"); err != nil {
				return err
			}
			if *p.Config.WaitFor == config.WaitForPostCreateCommand {
				eg.Go(cmd.engineClient.AttachHostTerminalToDevcontainer)
			}

		case engine.LifecyclePostStart:
			slog.Debug("lifecycle", "event", "postStart")
			if err = cmd.runAggregatedPhase(ctx, p, config.PhasePostStart, "postStartCommand"); err != nil {
				return err
			}
			if *p.Config.WaitFor == config.WaitForPostStartCommand {
				eg.Go(cmd.engineClient.AttachHostTerminalToDevcontainer)
			}

		case engine.LifecycleUpdate:
			slog.Debug("lifecycle", "event", "update")
			if err = cmd.runAggregatedPhase(ctx, p, config.PhaseUpdateContent, "updateContentCommand"); err != nil {
				return err
			}
			if *p.Config.WaitFor == config.WaitForUpdateContentCommand {
				eg.Go(cmd.engineClient.AttachHostTerminalToDevcontainer)
			}

		default:
			return fmt.Errorf("received unhandled lifecycle event: %v", event)
		}
		cmd.engineClient.DevcontainerLifecycleResp <- err == nil
	}

	slog.Debug("exiting lifecycle handler")
	return nil
}

// runAggregatedPhase runs every command aggregated for phase in
// p.Merged.LifecycleByPhase (each resolved Feature's command, in
// install order, then devcontainer.json's own command), failing fast
// on the first non-zero exit. legacyPhaseLabel names the phase the
// way devcontainer.json itself spells it (e.g. "postCreateCommand"),
// used on the reported lifecycle.run events.
//
// Falls back to devcontainer.json's own command alone when no
// Features were resolved (p.Merged is nil), so commands still run for
// configurations with no features block.
func (cmd *Command) runAggregatedPhase(ctx context.Context, p *config.DevcontainerParser, phase string, legacyPhaseLabel string) error {
	if p.Merged == nil {
		lc := configLifecycleCommand(&p.Config, phase)
		if lc == nil || lifecycleCommandEmpty(lc) {
			return nil
		}
		return cmd.runLifecycleCommand(ctx, lc, p, false, legacyPhaseLabel, "config")
	}

	for _, aggregated := range p.Merged.LifecycleByPhase[phase] {
		lc := aggregated.Command
		if err := cmd.runLifecycleCommand(ctx, &lc, p, false, legacyPhaseLabel, aggregated.Source); err != nil {
			return err
		}
	}
	return nil
}

// runLifecycleCommand determines which parameter of a given lifecycle
// command is active and runs it. phase names the lifecycle phase this
// command belongs to (e.g. "postCreateCommand") and source identifies
// what contributed the command ("config" or "feature:<id>"); both are
// reported on every lifecycle.run progress event the command
// produces.
func (cmd *Command) runLifecycleCommand(ctx context.Context, lc *config.LifecycleCommand, p *config.DevcontainerParser, runOnHost bool, phase string, source string) (err error) {
	switch {
	case lc.String != nil:
		if runOnHost {
			err = cmd.runLifecycleCommandOnHost(ctx, phase, source, true, *lc.String)
		} else {
			err = cmd.runLifecycleCommandInContainer(ctx, p, phase, source, true, *lc.String)
		}

	case len(lc.StringArray) > 0:
		if runOnHost {
			err = cmd.runLifecycleCommandOnHost(ctx, phase, source, false, lc.StringArray...)
		} else {
			err = cmd.runLifecycleCommandInContainer(ctx, p, phase, source, false, lc.StringArray...)
		}

	case lc.ParallelCommands != nil:
		var wg sync.WaitGroup
		errChan := make(chan error, len(*lc.ParallelCommands))
		for _, pcmd := range *lc.ParallelCommands {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errChan <- cmd.runLifecycleCommand(ctx, &config.LifecycleCommand{CommandBase: pcmd}, p, runOnHost, phase, source)
			}()
		}
		wg.Wait()
		close(errChan)
		for err = range errChan {
			if err != nil {
				return err
			}
		}
	}
	return err
}

// runLifecycleCommandInContainer executes a lifecycle command
// parameter inside the designated devcontainer (i.e., the lone
// container in non-Composer configurations, or the one named in the
// service field otherwise).
func (cmd *Command) runLifecycleCommandInContainer(ctx context.Context, p *config.DevcontainerParser, phase string, source string, runInShell bool, args ...string) error {
	stdout, stderr, err := cmd.engineClient.ExecInDevcontainer(ctx, *p.Config.RemoteUser, &p.Config.RemoteEnv, runInShell, args...)
	cmd.reportLifecycleRun(phase, source, args, stdout.String(), stderr.String(), err)
	if err != nil {
		var execErr *engine.ExecExitError
		if errors.As(err, &execErr) {
			return devcerr.LifecycleFailed(phase, source, execErr.Code)
		}
		return devcerr.LifecycleFailed(phase, source, -1)
	}
	return nil
}

// runLifecycleCommandOnHost executes a lifecycle command parameter
// locally on the host.
func (cmd *Command) runLifecycleCommandOnHost(ctx context.Context, phase string, source string, runInShell bool, args ...string) error {
	var execCmd *exec.Cmd

	if runInShell {
		shell := os.Getenv("SHELL")
		if len(shell) == 0 {
			shell = "/bin/sh"
		}
		slog.Info("running command via shell on host", "shell", shell, "args", args)
		args = append([]string{"-c"}, args...)
		execCmd = exec.CommandContext(ctx, shell, args...)
	} else {
		slog.Info("running command directly on host", "args", args)
		execCmd = exec.CommandContext(ctx, args[0], args[1:]...)
	}

	out, err := execCmd.CombinedOutput()
	slog.Info("command output", "cmd", execCmd.String(), "output", string(out), "error", err)
	cmd.reportLifecycleRun(phase, source, args, string(out), "", err)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return devcerr.LifecycleFailed(phase, source, exitErr.ExitCode())
		}
		return devcerr.LifecycleFailed(phase, source, -1)
	}
	return nil
}

// reportLifecycleRun emits the lifecycle.run progress event described
// by the lifecycle engine's command-execution step, redacted like
// every other sink write.
func (cmd *Command) reportLifecycleRun(phase string, source string, args []string, stdout string, stderr string, err error) {
	if cmd.sink == nil {
		return
	}
	fields := map[string]any{
		"phase":   phase,
		"source":  source,
		"command": strings.Join(args, " "),
		"stdout":  stdout,
	}
	if len(stderr) > 0 {
		fields["stderr"] = stderr
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	cmd.sink.Progress(progress.Event{Type: "lifecycle.run", Fields: fields})
}
