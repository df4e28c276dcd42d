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

// Package main houses the entrypoint for the devc CLI
package main

import (
	"os"

	"github.com/nlsantos/devc/internal/devc"
)

const AppName string = "devc"
const AppVersion string = "0.1.0-alpha"

// The process exit code contract is 0 on success, 1 on any handled
// error; exec is the one exception and exits with its own status
// via os.Exit directly, mirroring the remote command it ran. devc's
// internal ExitCode enum stays more granular than that for logging
// and control flow, and is collapsed down to the external contract
// here.
func main() {
	if devc.NewCommand(AppName, AppVersion) == devc.ExitNormal {
		os.Exit(0)
	}
	os.Exit(1)
}
