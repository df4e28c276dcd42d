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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/go-git/go-git/v6"
	"github.com/golang-cz/devslog"
	"github.com/nlsantos/devc/config"
	"github.com/nlsantos/devc/internal/devcerr"
	"github.com/nlsantos/devc/internal/engine"
	"github.com/nlsantos/devc/internal/progress"
	"github.com/nlsantos/devc/internal/redact"
	"github.com/pborman/options"
)

// ExitCode is a list of numeric exit codes used by devc
type ExitCode uint

// Exiting devc returns one of these values to the shell
const (
	ExitNormal ExitCode = iota
	ExitError
	ExitNonValidDevcontainerJSON
	ExitNoSocketFound
	ExitErrorParsingFlags
	ExitNoDevcJSONFound
	ExitTooManyDevJSONFound
	ExitUnsupportedConfiguration
	ExitContainerNotFound
)

// ImageTagPrefix is the default prefix used for the tag of images
// built by devc
const ImageTagPrefix = "localhost/devc--"

// PrivilegedPortOffset is added to privileged port bindings when they
// are encountered, in order to raise them past 1023
//
// e.g., if attempting to bind port 53 on the host, it will be
// translated as (53 + PrivilegedPortOffset) before binding.
const PrivilegedPortOffset uint16 = 8000

// StandardDevcontainerJSONPatterns is a list of paths and globs where
// devcontainer.json files could reside.
//
// Based on
// https://containers.dev/implementors/spec/#devcontainerjson; update
// as necessary.
var StandardDevcontainerJSONPatterns = []string{
	".devcontainer.json",
	".devcontainer/devcontainer.json",
	".devcontainer/*/devcontainer.json",
}

// VersionText is just the message printed out when version
// information is requested.
var VersionText = heredoc.Doc(`
    %s, version %s
    The lightweight, native Go CLI for devcontainers
    Copyright (C) 2025  Neil Santos

    License GPLv3+: GNU GPL version 3 or later <http://gnu.org/licenses/gpl.html>

    This is free software; you are free to change and redistribute it.
    There is NO WARRANTY, to the extent permitted by law.
`)

// knownOperations lists the verbs recognized as the first positional
// argument of the command line. Anything else is assumed to be a path
// (or glob) pointing at a devcontainer.json, and the operation
// defaults to "up" for backwards compatibility with invocations that
// only ever ran a single devcontainer.
var knownOperations = map[string]bool{
	"up":                 true,
	"build":              true,
	"exec":               true,
	"down":               true,
	"read-configuration": true,
}

// Command holds state useful in devc's operations
type Command struct {
	Arguments []string
	Options   struct {
		Help          options.Help  `getopt:"-h --help display this help message"`
		Config        options.Flags `getopt:"-c --config=PATH path to rc file"`
		Debug         bool          `getopt:"-d --debug enable debug messsages (implies -v)"`
		MakeMeRoot    bool          `getopt:"-R --make-me-root map your UID to root in the container (Podman-only)"`
		NoRedact       bool   `getopt:"--no-redact disable scrubbing of registered secrets from output"`
		OverrideConfig string `getopt:"--override-config=PATH devcontainer.json fragment merged over the resolved config"`
		PlatformArch   string `getopt:"-a --platform-arch target architecture for the container; defaults to amd64"`
		PlatformOS     string `getopt:"-o --platform-os target operating system for the container; defaults to linux"`
		PortOffset     uint16 `getopt:"-p --port-offset=UINT number to offset privileged ports by"`
		ProgressFile   string `getopt:"--progress-file=PATH append newline-delimited JSON progress events to this file"`
		ProgressFormat string `getopt:"--progress=FORMAT progress/log rendering: text or json; defaults to text"`
		SecretsFile    string `getopt:"--secrets-file=PATH KEY=VALUE file injected as remoteEnv and redacted from output"`
		Socket        string        `getopt:"-s --socket=ADDR URI to the Podman/Docker socket"`
		ValidateOnly  bool          `getopt:"-V --validate parse and validate  the config and exit immediately"`
		Verbose       bool          `getopt:"-v --verbose enable diagnostic messages"`
		Version       bool          `getopt:"--version display version informaiton then exit"`

		// Container selection, used by exec/down/read-configuration in
		// place of the workspace-derived container name whenever given.
		ContainerID string   `getopt:"--container-id=ID select a container by id instead of the workspace-derived container name"`
		IDLabel     []string `getopt:"--id-label=KEY=VALUE select a container by label; repeatable, all given labels must match"`

		IncludeFeaturesConfiguration bool `getopt:"--include-features-configuration include resolved Feature metadata in read-configuration's output"`
		IncludeMergedConfiguration  bool `getopt:"--include-merged-configuration include the Feature-merged configuration in read-configuration's output"`

		Push   bool   `getopt:"--push push the built image to its registry instead of loading it locally"`
		Output string `getopt:"--output=PATH export the built image as an OCI tarball at PATH instead of loading it"`

		Remove bool `getopt:"--remove also remove the container (and its anonymous volumes) after stopping it"`
	}

	appName        string
	suppressOutput bool

	engineClient *engine.Client
	redactor     *redact.Registry
	sink         *progress.Sink

	featureParsersLookup    map[string]*config.DevcontainerFeatureParser
	featurePathLookup       map[string]string
	featureArtifactsDigests *ArtifactDigest
}

// NewCommand initializes the command's lifecycle, dispatching to the
// orchestrator for the requested operation (up/build/exec/down/
// read-configuration).
func NewCommand(appName string, appVersion string) ExitCode {
	var cmd Command
	cmd.appName = appName
	cmd.featureParsersLookup = make(map[string]*config.DevcontainerFeatureParser)
	cmd.featurePathLookup = make(map[string]string)

	cmd.parseOptions(appName, appVersion)
	slog.Debug("command line options parsed", "opts", cmd.Options)
	slog.Debug("command line arguments", "args", cmd.Arguments)

	operation := "up"
	if len(cmd.Arguments) > 0 && knownOperations[cmd.Arguments[0]] {
		operation = cmd.Arguments[0]
		cmd.Arguments = cmd.Arguments[1:]
	}

	slog.Debug("dispatching operation", "operation", operation)
	switch operation {
	case "up":
		return cmd.runUp()
	case "build":
		return cmd.runBuild()
	case "exec":
		return cmd.runExec()
	case "down":
		return cmd.runDown()
	case "read-configuration":
		return cmd.runReadConfiguration()
	default:
		slog.Error("unrecognized operation", "operation", operation)
		return ExitErrorParsingFlags
	}
}

// openParser locates a devcontainer.json (among pathHints, or the
// standard locations if pathHints is empty), parses it, and returns
// the populated DevcontainerParser.
func (cmd *Command) openParser(pathHints []string) (p *config.DevcontainerParser, exit ExitCode, ok bool) {
	targetDevcontainerJSON := findDevcontainerJSON(pathHints)
	slog.Debug("instantiating a parser for devcontainer.json", "path", targetDevcontainerJSON)

	p, err := config.NewDevcontainerParser(targetDevcontainerJSON)
	if err != nil {
		slog.Error("devcontainer.json could not be loaded", "path", targetDevcontainerJSON, "error", err)
		return nil, ExitNonValidDevcontainerJSON, false
	}
	if err = p.Validate(); err != nil {
		slog.Error("devcontainer.json has syntax errors", "path", targetDevcontainerJSON, "error", err)
		return nil, ExitNonValidDevcontainerJSON, false
	}
	if err = p.Parse(); err != nil {
		slog.Error("devcontainer.json could not be parsed", "path", targetDevcontainerJSON, "error", err)
		return nil, ExitNonValidDevcontainerJSON, false
	}

	if len(cmd.Options.OverrideConfig) > 0 {
		if err = config.ApplyOverrideConfig(&p.Config, cmd.Options.OverrideConfig); err != nil {
			slog.Error("override config could not be applied", "path", cmd.Options.OverrideConfig, "error", err)
			return nil, ExitNonValidDevcontainerJSON, false
		}
	}

	if len(cmd.Options.SecretsFile) > 0 {
		if err = cmd.applySecretsFile(p, cmd.Options.SecretsFile); err != nil {
			slog.Error("secrets file could not be applied", "path", cmd.Options.SecretsFile, "error", err)
			return nil, ExitNonValidDevcontainerJSON, false
		}
	}

	return p, ExitNormal, true
}

// applySecretsFile reads KEY=VALUE lines from path, registers each
// value with the redactor so it never appears in logs or
// read-configuration output, and injects them into remoteEnv.
func (cmd *Command) applySecretsFile(p *config.DevcontainerParser, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if p.Config.RemoteEnv == nil {
		p.Config.RemoteEnv = config.EnvVarMap{}
	}

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			slog.Warn("ignoring malformed line in secrets file", "path", path, "line", line)
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if cmd.redactor != nil {
			cmd.redactor.Register(value)
		}
		p.Config.RemoteEnv[key] = value
	}
	return nil
}

// writeOutcome marshals payload (augmented with "outcome":"success")
// and writes it to stdout via the progress sink, so it's redacted
// like everything else devc prints.
func (cmd *Command) writeOutcome(payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["outcome"] = "success"
	cmd.writePayload(payload)
}

// writeError reports a *devcerr.Error on stderr via slog only; it
// writes nothing to stdout (see writeErrorOutcome for the variant
// that also emits the {"outcome":"error",...} payload).
func (cmd *Command) writeError(derr *devcerr.Error) {
	slog.Error(derr.Message, "kind", derr.Kind, "code", derr.Code, "fields", derr.Fields, "cause", derr.Cause)
}

// writeErrorOutcome is writeError plus the stdout error payload, for
// the commands (currently just build) whose contract specifies one.
func (cmd *Command) writeErrorOutcome(derr *devcerr.Error) {
	cmd.writeError(derr)
	payload := map[string]any{"outcome": "error", "message": derr.Message}
	if len(derr.Description) > 0 {
		payload["description"] = derr.Description
	}
	cmd.writePayload(payload)
}

func (cmd *Command) writePayload(payload map[string]any) {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		slog.Error("encountered an error while marshalling a command's output payload", "error", err)
		return
	}
	encoded = append(encoded, '\n')
	if cmd.sink != nil {
		cmd.sink.Payload(encoded)
	} else {
		fmt.Print(string(encoded))
	}
}

// newEngineClient builds the Container Engine Adapter client shared
// by every operation that needs to talk to Podman/Docker.
func (cmd *Command) newEngineClient() (*engine.Client, ExitCode, bool) {
	socketAddr := getSocketAddr(cmd.Options.Socket)
	if len(socketAddr) == 0 {
		slog.Error("No socket address / path specified and none can be found")
		fmt.Println("fatal: Could not determine Podman/Docker socket address. Exiting.")
		return nil, ExitNoSocketFound, false
	}

	c := engine.NewClient(socketAddr, cmd.Options.MakeMeRoot)
	c.Platform = engine.Platform{
		Architecture: cmd.Options.PlatformArch,
		OS:           cmd.Options.PlatformOS,
	}
	c.PrivilegedPortElevator = cmd.privilegedPortElevator
	return c, ExitNormal, true
}

// Try to generate a distinct yet meaningful name for the generated
// OCI image based on available metadata.
//
// If the context directory is a git repository, this function will
// build a name using various git-related information; otherwise, it
// defaults to the basename of the contect directory.
func createImageTagBase(p *config.DevcontainerParser) string {
	// Use the basename of the devcontainer.json's context as default
	// value
	ctxDir := *p.Config.Context
	retval := filepath.Base(ctxDir)

	// Attempt to open the repository in the current directory
	openOpts := git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	}
	repo, err := git.PlainOpenWithOptions(ctxDir, &openOpts)
	if err != nil {
		slog.Debug("does not seem to be in a git repo; using default")
		return retval
	}

	cfg, err := repo.Config()
	if err != nil {
		slog.Error(fmt.Sprintf("could not open git repo configuration: %v", err))
		return retval
	}

	// Try to get the URL of the origin remote
	remote, ok := cfg.Remotes["origin"]
	if !ok {
		slog.Error("remote named 'origin' not found")
		return retval
	}

	repoURL := remote.URLs[0]
	repoName := strings.TrimSuffix(filepath.Base(repoURL), ".git")

	headRef, err := repo.Head()
	if err != nil {
		slog.Error(fmt.Sprintf("unable to determine abbreviated reference name: %v", err))
		return repoName
	}

	refName := headRef.Name()
	if refName == "HEAD" {
		retval = fmt.Sprintf("%s--%s", repoName, headRef.Hash().String())
	} else {
		retval = fmt.Sprintf("%s--%s", repoName, refName.Short())
	}
	invalidContainerNamePattern := regexp.MustCompile("[^a-zA-Z0-9_.-]")
	// Replace non-valid characters for container names with an
	// underscore
	retval = invalidContainerNamePattern.ReplaceAllString(retval, "_")

	return retval
}

// findDevcontainerJSON attempts to find a suitable devcontainer.json
// given a list of path patterns and/or plain paths.
//
// paths may contain strings incorporating patterns supported by
// [filepath.Glob]
//
// If paths is empty, it attempts to find one or more valid file paths
// using StandardDevcontainerJSONPatterns. Otherwise, paths is
// iterated upon.
//
// Returns a string if a valid devcontainers.json is found; on any
// error, it runs os.Exit(1), per devc's external exit code contract.
func findDevcontainerJSON(paths []string) string {
	candidates := findDevcontainerJSONCandidates(paths)

	switch {
	case len(candidates) == 0:
		slog.Debug("unable to find any devcontainer.json candidates")
		fmt.Println("Unable to find a valid devcontainer.json file to target; exiting.")
		os.Exit(1)

	case len(candidates) > 1:
		slog.Debug("found multiple devcontainer.json candidates; giving up", "candidates", candidates)
		fmt.Println(heredoc.Doc(`
			Found multiple possible devcontainer configurations.
			Specify one explicitly as an argument in the command line flag to continue.

			The following paths are eligible candidates:
		`))
		for _, target := range candidates {
			fmt.Printf("\t%s\n", target)
		}
		os.Exit(1)

	default:
		slog.Debug("found a devcontainer.json to target", "path", candidates[0])
	}

	return candidates[0]
}

// findDevcontainerJSONCandidates is the non-fatal half of
// findDevcontainerJSON: it returns every devcontainer.json that
// matched paths (or the standard search patterns, if paths is empty)
// without exiting the process, so callers that need to distinguish
// "none found" from "found one" without tearing down the process
// (read-configuration's selector validation, namely) can do so.
func findDevcontainerJSONCandidates(paths []string) []string {
	if len(paths) == 0 {
		slog.Debug("iterating through standard devcontainer.json paths/patterns", "paths", StandardDevcontainerJSONPatterns)
		return findDevcontainerJSONCandidates(StandardDevcontainerJSONPatterns)
	}

	slog.Debug("iterating through given paths/patterns looking for a devcontainer.json", "paths", paths)
	var candidates []string
	for _, path := range paths {
		matches, err := filepath.Glob(path)
		if err != nil {
			panic(err)
		}

		for _, match := range matches {
			if _, err := os.Stat(match); err != nil {
				continue
			}
			if abspath, err := filepath.Abs(match); err == nil {
				candidates = append(candidates, abspath)
			}
		}
	}

	return candidates
}

// parseOptions parses the command-line options and parameters and
// does a little housekeeping.
func (c *Command) parseOptions(appName string, appVersion string) {
	options.SetDisplayWidth(80)
	options.SetHelpColumn(40)
	options.SetParameters("[up|build|exec|down|read-configuration] <path-to-devcontainer.json>")
	options.Register(&c.Options)
	c.setFlagsFile(appName)
	c.Arguments = options.Parse()

	if c.Options.Version {
		fmt.Printf(VersionText, appName, appVersion)
		os.Exit(int(ExitNormal))
	}

	logLevel := new(slog.LevelVar)
	switch {
	case c.Options.Debug:
		logLevel.Set(slog.LevelDebug)
	case c.Options.Verbose:
		logLevel.Set(slog.LevelInfo)
	default:
		logLevel.Set(slog.LevelError)
	}

	slog.SetDefault(slog.New(devslog.NewHandler(os.Stderr, &devslog.Options{
		HandlerOptions: &slog.HandlerOptions{
			AddSource: true,
			Level:     logLevel,
		},
		NewLineAfterLog:   false,
		SortKeys:          true,
		StringIndentation: true,
	})))

	if len(c.Options.PlatformArch) == 0 {
		c.Options.PlatformArch = "amd64"
	}
	slog.Info("target container architecture", "arch", c.Options.PlatformArch)

	if len(c.Options.PlatformOS) == 0 {
		c.Options.PlatformOS = "linux"
	}
	slog.Info("target container operating system", "os", c.Options.PlatformOS)

	if c.Options.PortOffset == 0 {
		c.Options.PortOffset = PrivilegedPortOffset
	} else if c.Options.PortOffset < 1024 {
		slog.Error("privileged port offset  must be >= 1024", "offset", c.Options.PortOffset)
		os.Exit(1)
	}

	c.suppressOutput = logLevel.Level() > slog.LevelInfo

	c.redactor = redact.NewRegistry()
	if c.Options.NoRedact {
		c.redactor.Disable()
	}

	progressFormat := progress.FormatText
	if c.Options.ProgressFormat == string(progress.FormatJSON) {
		progressFormat = progress.FormatJSON
	}
	var progressFile io.WriteCloser
	if len(c.Options.ProgressFile) > 0 {
		var err error
		if progressFile, err = progress.OpenProgressFile(c.Options.ProgressFile); err != nil {
			slog.Error("unable to open progress file", "path", c.Options.ProgressFile, "error", err)
			os.Exit(1)
		}
	}
	c.sink = progress.NewSink(progressFormat, os.Stderr, os.Stdout, progressFile, c.redactor)

	if c.Options.MakeMeRoot {
		slog.Info("will be mapping your UID and GID to 0:0 inside the container")
	}
}

// privilegedPortElevator is the function called by the engine client
// when encountering privileged ports (ports numbered < 1024).
//
// Accepts port as input and returns a port number beyond the range of
// privileged ports.
func (c *Command) privilegedPortElevator(port uint16) uint16 {
	return port + c.Options.PortOffset
}

// setFlagsFile goes through a list of supported paths for the flags
// file and assigns the first valid hit for parsing
func (c *Command) setFlagsFile(appName string) {
	var defConfigPaths = []string{
		os.ExpandEnv(fmt.Sprintf("${USERPROFILE}/.%src", appName)),
		os.ExpandEnv(fmt.Sprintf("${XDG_CONFIG_HOME}/%src", appName)),
		os.ExpandEnv(fmt.Sprintf("${HOME}/.config/%src", appName)),
		os.ExpandEnv(fmt.Sprintf("${HOME}/.%src", appName)),
	}
	for _, defConfigPath := range defConfigPaths {
		if _, err := os.Stat(defConfigPath); os.IsNotExist(err) {
			continue
		}
		if err := c.Options.Config.Set(fmt.Sprintf("?%s", defConfigPath), nil); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}
