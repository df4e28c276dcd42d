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

// Package ociclient wraps oras-go's remote repository client with the
// operations devc needs against an OCI registry: reference resolution,
// manifest and blob fetch (used to pull Feature and Template
// artifacts), and the HEAD-based existence check and Location-header
// upload flow needed to publish them.
package ociclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/registry/remote"
)

// Client talks to a single OCI reference's repository (e.g.
// ghcr.io/devcontainers/features/go:1).
type Client struct {
	repo *remote.Repository
	ref  string
}

// New resolves ref into a repository client. ref is a fully qualified
// OCI reference (registry/namespace/name:tag or @digest).
func New(ref string) (*Client, error) {
	repo, err := remote.NewRepository(ref)
	if err != nil {
		return nil, err
	}
	return &Client{repo: repo, ref: ref}, nil
}

// Resolve fetches the descriptor for the client's reference without
// retrieving its content.
func (c *Client) Resolve(ctx context.Context) (ocispec.Descriptor, error) {
	slog.Debug("resolving OCI reference", "ref", c.ref)
	return c.repo.Resolve(ctx, c.repo.Reference.Reference)
}

// FetchManifest retrieves and returns the raw manifest bytes for the
// client's reference; desc is not consulted.
func (c *Client) FetchManifest(ctx context.Context, desc ocispec.Descriptor) ([]byte, error) {
	_, manifestContent, err := oras.FetchBytes(ctx, c.repo, c.ref, oras.DefaultFetchBytesOptions)
	if err != nil {
		return nil, err
	}
	return manifestContent, nil
}

// FetchBlob retrieves the full content of a blob descriptor (a
// manifest layer, typically).
func (c *Client) FetchBlob(ctx context.Context, desc ocispec.Descriptor) ([]byte, error) {
	return content.FetchAll(ctx, c.repo, desc)
}

// HeadBlob reports whether a blob identified by desc already exists in
// the repository, using a HEAD request rather than a GET: checking
// existence this way never pulls the blob's content over the wire.
func (c *Client) HeadBlob(ctx context.Context, desc ocispec.Descriptor) (exists bool, err error) {
	slog.Debug("checking blob existence via HEAD", "ref", c.ref, "digest", desc.Digest.String())
	return c.repo.Blobs().Exists(ctx, desc)
}

// StartUpload pushes a blob's content to the repository. oras-go's
// BlobStore.Push implements the registry's chunked-upload contract
// directly: POST to start the session, then PUT/PATCH strictly
// against whatever URL the server's Location header names, never a
// URL devc constructs itself.
func (c *Client) StartUpload(ctx context.Context, desc ocispec.Descriptor, r io.Reader) error {
	slog.Debug("starting blob upload", "ref", c.ref, "digest", desc.Digest.String())
	if err := c.repo.Blobs().Push(ctx, desc, r); err != nil {
		return fmt.Errorf("uploading blob %s: %w", desc.Digest, err)
	}
	return nil
}

// PushManifest uploads a manifest descriptor, tagging it with the
// client's reference.
func (c *Client) PushManifest(ctx context.Context, desc ocispec.Descriptor, manifest io.Reader) error {
	slog.Debug("pushing manifest", "ref", c.ref, "digest", desc.Digest.String())
	return c.repo.Manifests().PushReference(ctx, desc, manifest, c.ref)
}
