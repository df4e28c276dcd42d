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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/codeclysm/extract/v4"
	"github.com/heimdalr/dag"
	"github.com/nlsantos/devc/config"
	"github.com/nlsantos/devc/internal/ociclient"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const FeatureArtifactMediaType string = "application/vnd.oci.image.manifest.v1+json"
const FeatureLayerMediaType string = "application/vnd.devcontainers.layer.v1+tar"

// featureVertexID strips a version tag from a feature reference so it
// can be used as a stable vertex ID in the installation graph.
// HTTPS-hosted tarball references are left untouched since they don't
// carry a separate tag component.
func featureVertexID(featureID string) string {
	if strings.HasPrefix(featureID, "https://") {
		return featureID
	}
	return strings.Split(featureID, ":")[0]
}

// BuildFeaturesInstallationGraph iterates over a devcontainer's
// Features and builds a directed acyclic graph that can be used to
// guide Features' installation order.
//
// overrideOrder, when non-nil, corresponds to a devcontainer's
// overrideFeatureInstallOrder: a caller-specified total ordering that
// takes precedence over dependsOn/installsAfter-derived ordering for
// the Features it names. Entries not present in the graph are
// ignored.
func (cmd *Command) BuildFeaturesInstallationGraph(overrideOrder *[]string) (installDAG *dag.DAG, err error) {
	installDAG = dag.NewDAG()
	for featureID, featureParser := range cmd.featureParsersLookup {
		if err := installDAG.AddVertexByID(featureVertexID(featureID), featureParser); err != nil {
			return nil, err
		}
	}

	// As of this writing, I'm yet to encounter an official feature
	// that actually utilizes the dependsOn field.
	for featureID, featureParser := range cmd.featureParsersLookup {
		for dependencyID := range featureParser.Config.DependsOn {
			installDAG.AddEdge(featureVertexID(dependencyID), featureVertexID(featureID))
		}
	}

	// installsAfter entries are *soft* dependencies; if they're not
	// specifically declared in dependsOn, they may not even be
	// installed.
	//
	// https://containers.dev/implementors/features/#installsAfter
	for featureID, featureParser := range cmd.featureParsersLookup {
		for _, dependency := range featureParser.Config.InstallsAfter {
			dependencyVertexID := featureVertexID(dependency)
			if _, err = installDAG.GetVertex(dependencyVertexID); err != nil {
				continue
			}
			installDAG.AddEdge(dependencyVertexID, featureVertexID(featureID))
		}
	}

	if overrideOrder != nil {
		var previousVertexID string
		for _, featureID := range *overrideOrder {
			vertexID := featureVertexID(featureID)
			if _, err = installDAG.GetVertex(vertexID); err != nil {
				continue
			}
			if previousVertexID != "" {
				// Chaining consecutive entries is enough to impose a
				// total order across the whole list, transitively,
				// without needing an edge between every pair.
				if err = installDAG.AddEdge(previousVertexID, vertexID); err != nil {
					return nil, err
				}
			}
			previousVertexID = vertexID
		}
	}

	return installDAG, nil
}

// CopyFeaturesToContextDirectory iterates over a devcontainer's
// Features and copies their files from the cache directory into the
// devcontainer's context directory (an actual context directory if
// specified; otherwise, the directory where the devcontainer.json
// file resides in).
//
// This is necessary so the OCI build process can be rooted in a sane
// path and limited to the codebase it's working with.
//
// Returns the base directory within the context directory where the
// Features' files reside in as subdirectories.
func (cmd *Command) CopyFeaturesToContextDirectory(ctxPath string) (featuresBasePath string, err error) {
	// Create a single directory into which we copy features files
	if featuresBasePath, err = os.MkdirTemp(ctxPath, ".features-*"); err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(featuresBasePath)
		}
	}()
	// This will contain paths *within* the context directory that
	// will eventually be incorporated into the OCI image
	remoteFeaturePathLookup := make(map[string]string)
	for featureID, cachedFeaturePath := range cmd.featurePathLookup {
		// Create a tempdir to store feature files in; this gets
		// around possibly dealing with invalid path names if they're
		// based on feature references
		featurePath, err := os.MkdirTemp(featuresBasePath, "feature-*")
		if err != nil {
			return "", err
		}
		if err := os.CopyFS(featurePath, os.DirFS(cachedFeaturePath)); err != nil {
			return "", err
		}
		remoteFeaturePathLookup[featureID] = featurePath
	}
	// Overwrite previously set lookup table
	cmd.featurePathLookup = remoteFeaturePathLookup
	return featuresBasePath, nil
}

// GenerateContainerfileWithFeatures programmatically creates a
// custom, ephemeral Containerfile to be used in an OCI build process
// that ensures Features' files are incorporated into the resulting
// OCI image.
func (cmd *Command) GenerateContainerfileWithFeatures(ctxPath string, baseImage string) (containerfilePath string, err error) {
	containerfile, err := os.CreateTemp(ctxPath, fmt.Sprintf(".%s.Containerfile.*", cmd.appName))
	if err != nil {
		return "", err
	}
	defer containerfile.Close()

	remoteFeaturePathLookup := make(map[string]string)
	containerfile.WriteString(fmt.Sprintf("FROM %s\n", baseImage))
	for featureID, featurePath := range cmd.featurePathLookup {
		relFeaturePath, err := filepath.Rel(ctxPath, featurePath)
		if err != nil {
			return "", err
		}

		remotePath := fmt.Sprintf("/devcontainer-features/%d", rand.Int())
		remoteConfigPath := fmt.Sprintf("%s/devcontainer-feature.json", remotePath)

		remoteFeaturePathLookup[featureID] = remotePath
		// Massage feature parser to the path within the OCI image for
		// later execution
		cmd.featureParsersLookup[featureID].Filepath = remoteConfigPath
		containerfile.WriteString(fmt.Sprintf("COPY \"%s/*\" \"%s/\"\n", relFeaturePath, remotePath))
	}
	metadataLabel, err := cmd.buildDevcontainerMetadataLabel()
	if err != nil {
		return "", err
	}
	if len(metadataLabel) > 0 {
		containerfile.WriteString(fmt.Sprintf("LABEL devcontainer.metadata=%s\n", metadataLabel))
	}

	// Overwrite previously set lookup table
	cmd.featurePathLookup = remoteFeaturePathLookup
	containerfilePath = containerfile.Name()
	return containerfilePath, err
}

// buildDevcontainerMetadataLabel renders the resolved Features'
// configurations as the JSON array the devcontainer spec expects
// under the image's `devcontainer.metadata` label, so that later
// inspection of a built image (by devc or any other spec-compliant
// tool) can recover which Features, and which versions, went into it.
func (cmd *Command) buildDevcontainerMetadataLabel() (string, error) {
	if len(cmd.featureParsersLookup) == 0 {
		return "", nil
	}

	entries := make([]config.DevcontainerFeatureConfig, 0, len(cmd.featureParsersLookup))
	for _, featureParser := range cmd.featureParsersLookup {
		entries = append(entries, featureParser.Config)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	encoded, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}

	// LABEL values are shell-parsed by the builder, so the JSON must be
	// quoted as a single token; escaping embedded double quotes keeps
	// it a single LABEL value rather than multiple key=value pairs.
	escaped := strings.ReplaceAll(string(encoded), `"`, `\"`)
	return fmt.Sprintf("\"%s\"", escaped), nil
}

// ParseFeaturesConfig instantiates a config.DevcontainerFeatureParser
// for each Feature a devcontainer references and stores it for later
// use by Command.
//
// It also instantiates a corresponding parser for every dependency
// referenced in the dependsOn field of a Feature configuration.
func (cmd *Command) ParseFeaturesConfig(ctx context.Context, p *config.DevcontainerParser, featureMap config.FeatureMap) (err error) {
	if err = cmd.PrepareFeaturesData(ctx, featureMap, p.Filepath); err != nil {
		return err
	}
	for featureID, featureMap := range featureMap {
		slog.Debug("initializing configuration for feature", "feature", featureID)
		featurePath, ok := cmd.featurePathLookup[featureID]
		if !ok {
			return fmt.Errorf("feature unavailable for parsing: %s", featurePath)
		}

		if _, ok := cmd.featureParsersLookup[featureID]; ok {
			slog.Debug("feature already parsed; skipping", "featureID", featureID)
			continue
		}

		featureParser, err := config.NewDevcontainerFeatureParser(filepath.Join(featurePath, "devcontainer-feature.json"), p)
		if err != nil {
			return err
		}
		if err = featureParser.Validate(); err != nil {
			return nil
		}
		if err = featureParser.Parse(); err != nil {
			return nil
		}

		for key, val := range featureMap {
			if err = featureParser.SetOption(key, &val); err != nil {
				return err
			}
		}

		if err = cmd.ParseFeaturesConfig(ctx, p, featureParser.Config.DependsOn); err != nil {
			return err
		}

		cmd.featureParsersLookup[featureID] = featureParser
	}
	return nil
}

// PrepareFeaturesData retrieves each Feature's component files
// (downloading them from remote endpoints if necessary, then caching
// them for future use) and makes the parsed config available as
// values in a lookup table.
func (cmd *Command) PrepareFeaturesData(ctx context.Context, featureMap config.FeatureMap, contextPath string) (err error) {
	for featureID := range featureMap {
		slog.Debug("attempting to pull feature metadata", "feature", featureID)
		var featurePath string
		switch {
		case strings.HasPrefix(featureID, "/"):
			// https://containers.dev/implementors/features-distribution/#addendum-locally-referenced
			return fmt.Errorf("locally-stored features may not be referenced by an absolute path: %s", featureID)

		// Features available on the local filesystem aren't
		// redirected to the cache, unlike HTTPS-hosted tarballs and
		// OCI artifacts, but are instead used as-is.
		case strings.HasPrefix(featureID, "./"):
			if featurePath, err = filepath.Abs(filepath.Join(filepath.Dir(contextPath), featureID)); err != nil {
				return err
			}
			slog.Debug("referencing a locally-stored feature", "path", featurePath)
			if _, err = os.Stat(featurePath); errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("referenced a locally-stored feature that doesn't exist: %s", featurePath)
			}

		case strings.HasPrefix(featureID, "https://"):
			if featurePath, err = cmd.prepareFeatureDataURI(ctx, featureID); err != nil {
				return err
			}

		default:
			if err = cmd.LoadArtifactDigest(); err != nil {
				return err
			}

			if featurePath, err = cmd.prepareFeatureDataArtifact(ctx, featureID); err != nil {
				return err
			}
		}

		cmd.featurePathLookup[featureID] = featurePath
	}
	return nil
}

// prepareFeatureDataArtifact handles retrieving Features that are
// distributed as OCI artifacts accessible via the reference `ref`.
//
// Currently only supports publicly-accessible OCI registries.
func (cmd *Command) prepareFeatureDataArtifact(ctx context.Context, ref string) (path string, err error) {
	slog.Debug("attempting to pull feature OCI artifact", "ref", ref)
	cacheDir, err := cmd.getCacheDirectory()
	if err != nil {
		slog.Error("encountered an error while attempting to get cache directory", "error", err)
		return "", err
	}

	cacheKeyComponents := []string{cacheDir}
	cacheKeyComponents = append(cacheKeyComponents, strings.Split(ref, ":")...)
	// cacheKey is the subdirectory within the root cache directory
	// where the contents of the OCI artifact are going to be stored
	cacheKey := filepath.Join(cacheKeyComponents...)

	_, err = os.Stat(cacheKey)
	cachedCopyExists := err == nil

	oc, err := ociclient.New(ref)
	if err != nil {
		return "", err
	}

	slog.Debug("attempting to resolve reference to an OCI artifact")
	description, err := oc.Resolve(ctx)
	if err != nil {
		if cachedCopyExists {
			// If the OCI artifact is already cached, this *could* be
			// a recoverable situation, so return the cached path
			// instead of conking out.
			//
			// The only caveat is that we aren't able to validate that
			// the digests match, so the cache might be stale
			slog.Warn("resolving OCI reference returned an error but a cached (possibly stale) copy already exists", "error", err)
			return cacheKey, nil
		}
		return "", err
	}

	slog.Debug("retrieved metadata for an OCI artifact", "digest", string(description.Digest))
	digestTableEntry, ok := cmd.featureArtifactsDigests.Entries[ref]
	if ok && cachedCopyExists {
		if digestTableEntry.Digest == string(description.Digest) {
			slog.Info("digest matches cached copy", "reference", ref, "digest", digestTableEntry.Digest)
			return cacheKey, nil
		}
		slog.Info(
			"cached copy exists but digests don't match",
			"reference", ref,
			"localDigest", digestTableEntry.Digest,
			"remoteDigest", string(description.Digest),
		)
	}

	if description.MediaType != FeatureArtifactMediaType {
		slog.Error("feature URI resolved to an unsupported media type", "mime", description.MediaType)
		return "", err
	}

	slog.Debug("retrieving OCI artifact manifest")
	manifestContent, err := oc.FetchManifest(ctx, description)
	if err != nil {
		return "", err
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestContent, &manifest); err != nil {
		return "", err
	}
	slog.Debug("retrieved manifest; iterating over layers", "mime", manifest.MediaType, "layerCount", len(manifest.Layers))
	for _, layer := range manifest.Layers {
		if layer.MediaType != FeatureLayerMediaType {
			continue
		}
		slog.Debug("found layer with the target media type; extracting to cache", "path", cacheKey)

		exists, err := oc.HeadBlob(ctx, layer)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", fmt.Errorf("feature layer %s advertised in manifest but missing from registry", layer.Digest)
		}

		if !cachedCopyExists {
			if err = os.MkdirAll(cacheKey, fs.ModeDir|0755); err != nil {
				return "", err
			}
		}

		layerBytes, err := oc.FetchBlob(ctx, layer)
		if err != nil {
			return "", err
		}
		if err = extract.Tar(ctx, bytes.NewBuffer(layerBytes), cacheKey, nil); err != nil {
			return "", err
		}

		// Store the metadata for later marshalling
		cmd.featureArtifactsDigests.Entries[ref] = &ArtifactDigestEntry{
			FeatureID: ref,
			Digest:    string(description.Digest),
		}

		return cacheKey, nil
	}

	return "", fmt.Errorf("referenced OCI artifact didn't contain a usable layer")
}

// featureTarballHTTPClient is used to fetch HTTPS-hosted feature
// tarballs. A generous timeout accommodates slow registries fronting
// large tarballs without hanging forever on a dead endpoint.
var featureTarballHTTPClient = &http.Client{Timeout: 30 * time.Second}

// prepareFeatureDataURI handles Features distributed as tarballs via
// regular HTTPS endpoints.
//
// It downloads the tarball, retrying once on a transient (connection
// or 5xx) failure, and extracts it into a cache directory keyed by the
// URI and the tarball's content digest; the tarball is downloaded on
// every run, but extraction is skipped when that directory exists.
func (cmd *Command) prepareFeatureDataURI(ctx context.Context, uri string) (path string, err error) {
	slog.Debug("attempting to pull feature tarball", "uri", uri)

	cacheDir, err := cmd.getCacheDirectory()
	if err != nil {
		slog.Error("encountered an error while attempting to get cache directory", "error", err)
		return "", err
	}

	var body []byte
	for attempt := 0; attempt < 2; attempt++ {
		body, err = fetchFeatureTarball(ctx, uri)
		if err == nil {
			break
		}
		var transient transientHTTPError
		if !errors.As(err, &transient) {
			slog.Error("fetching feature tarball failed with a non-retryable error", "uri", uri, "error", err)
			return "", err
		}
		slog.Warn("fetching feature tarball failed; retrying once", "uri", uri, "error", err)
	}
	if err != nil {
		return "", err
	}

	uriDigest := sha256.Sum256([]byte(uri))
	digest := sha256.Sum256(body)
	cacheKey := filepath.Join(cacheDir, "tarball", hex.EncodeToString(uriDigest[:]), hex.EncodeToString(digest[:]))
	if _, statErr := os.Stat(cacheKey); statErr == nil {
		slog.Debug("digest matches cached copy", "uri", uri, "digest", hex.EncodeToString(digest[:]))
		return cacheKey, nil
	}

	if err = os.MkdirAll(cacheKey, fs.ModeDir|0755); err != nil {
		return "", err
	}
	if err = extract.Archive(ctx, bytes.NewReader(body), cacheKey, nil); err != nil {
		_ = os.RemoveAll(cacheKey)
		return "", err
	}

	return cacheKey, nil
}

// transientHTTPError marks a feature tarball fetch failure as
// retryable: connection-level failures and 5xx responses. 4xx
// responses are treated as fatal misconfiguration and aren't wrapped
// in this type.
type transientHTTPError struct{ err error }

func (e transientHTTPError) Error() string { return e.err.Error() }
func (e transientHTTPError) Unwrap() error { return e.err }

// fetchFeatureTarball performs a single GET against uri and returns
// the response body in full.
func fetchFeatureTarball(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}

	resp, err := featureTarballHTTPClient.Do(req)
	if err != nil {
		return nil, transientHTTPError{err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Error("could not close feature tarball response body", "error", closeErr)
		}
	}()

	if resp.StatusCode >= 500 {
		return nil, transientHTTPError{fmt.Errorf("fetching %s: server returned %s", uri, resp.Status)}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetching %s: server returned %s", uri, resp.Status)
	}

	return io.ReadAll(resp.Body)
}
