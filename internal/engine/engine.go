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

// Package engine houses the Container Engine Adapter: a thin wrapper
// for communicating with Podman/Docker directly (single-container
// mode) or via a Compose project (multi-service mode).
package engine

import (
	"fmt"
	"log/slog"
	"os"

	composetypes "github.com/compose-spec/compose-go/types"
	"github.com/heimdalr/dag"
	mobyclient "github.com/moby/moby/client"
)

// LifecycleEvent names a point in the devcontainer's life at which the
// orchestrator's lifecycle handler should run the phase's aggregated
// commands.
type LifecycleEvent int

const (
	LifecycleInitialize LifecycleEvent = iota
	LifecycleFeatureInstall
	LifecycleOnCreate
	LifecycleUpdate
	LifecyclePostCreate
	LifecyclePostStart
	LifecyclePostAttach
)

// Platform identifies the architecture/OS pair a container is created
// for.
type Platform struct {
	Architecture string
	OS           string
}

// PortElevatorFunc is called whenever a privileged host port (<1024)
// needs to be bound; it returns the port actually used on the host.
type PortElevatorFunc func(port uint16) uint16

// A Client holds state for communicating with Podman/Docker, either
// directly (single container) or through a Compose project.
type Client struct {
	ContainerID string
	MobyClient  *mobyclient.Client
	SocketAddr  string
	Platform    Platform

	PrivilegedPortElevator PortElevatorFunc

	// MakeMeRoot requests that the invoking user's UID/GID be mapped to
	// 0:0 inside the container. Only meaningful against Podman.
	MakeMeRoot bool

	// DevcontainerLifecycleChan/Resp form the handshake between a
	// container-starting goroutine and the orchestrator's lifecycle
	// handler: the former publishes the phase it just reached, the
	// latter reports back whether the phase's commands succeeded.
	DevcontainerLifecycleChan chan LifecycleEvent
	DevcontainerLifecycleResp chan bool

	mobyClient *mobyclient.Client

	attachResp *mobyclient.HijackedResponse
	isAttached bool

	composerProject *composetypes.Project
	servicesDAG     *dag.DAG
}

// NewClient returns a Client that's set to communicate with
// Podman/Docker via socketAddr.
//
// If it encounters an error creating the underlying connection, it
// panics.
func NewClient(socketAddr string, makeMeRoot bool) *Client {
	c := &Client{
		SocketAddr:                getSocketAddr(socketAddr),
		MakeMeRoot:                makeMeRoot,
		DevcontainerLifecycleChan: make(chan LifecycleEvent),
		DevcontainerLifecycleResp: make(chan bool),
	}

	mobyClient, err := mobyclient.New(mobyclient.WithHost(c.SocketAddr))
	if err != nil {
		panic(err)
	}
	c.MobyClient = mobyClient
	c.mobyClient = mobyClient

	return c
}

// Close releases the underlying connection to Podman/Docker.
func (c *Client) Close() error {
	if c.mobyClient == nil {
		return nil
	}
	return c.mobyClient.Close()
}

// Attempt to determine a viable socket address for communicating with
// Podman/Docker.
//
// If socketAddr is non-empty, this function just returns it
// immediately. Otherwise, it attempts to look for the DOCKER_HOST
// environment variable; failing that, it builds a path that will
// usually work for a system with Podman installed.
func getSocketAddr(socketAddr string) string {
	if len(socketAddr) > 0 {
		return socketAddr
	}

	if envSocketAddr, ok := os.LookupEnv("DOCKER_HOST"); ok {
		slog.Debug("using socket nominated by DOCKER_HOST", "socket", envSocketAddr)
		return envSocketAddr
	}

	uid := os.Getuid()
	compSocketAddr := fmt.Sprintf("unix:///run/user/%d/podman/podman.sock", uid)
	slog.Debug("falling back to computed socket address", "socket", compSocketAddr)
	return compSocketAddr
}
