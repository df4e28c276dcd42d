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
	"strings"

	"github.com/nlsantos/devc/internal/devcerr"
	"github.com/nlsantos/devc/internal/engine"
)

// selectContainer resolves the target container for exec/down,
// following the precedence an explicit selector always wins over
// workspace inference:
//
//  1. --container-id, matched verbatim.
//  2. --id-label (repeatable; every given label must match).
//  3. fallbackName, the workspace-derived container name used when
//     neither flag is given.
func (cmd *Command) selectContainer(engineClient *engine.Client, fallbackName string) (found bool, err error) {
	if len(cmd.Options.ContainerID) > 0 {
		return engineClient.FindContainerByID(cmd.Options.ContainerID)
	}

	if len(cmd.Options.IDLabel) > 0 {
		matches, err := engineClient.FindContainersByLabels(cmd.Options.IDLabel)
		if err != nil {
			return false, err
		}
		switch len(matches) {
		case 0:
			return false, nil
		case 1:
			return true, nil
		default:
			return false, devcerr.ContainerAmbiguous(strings.Join(cmd.Options.IDLabel, ","), len(matches))
		}
	}

	return engineClient.FindContainerByName(fallbackName)
}
