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

// Package devcerr defines the closed error taxonomy devc reports
// through its structured log output: every user-visible failure is an
// *Error carrying a Kind, a stable Code, a message, and an optional
// set of fields describing what went wrong.
//
// It lives apart from the config and devc packages specifically so
// both can depend on it without creating an import cycle between
// them.
package devcerr

import "fmt"

// Kind is one of the top-level error categories named by the
// external interface contract.
type Kind string

const (
	KindConfiguration  Kind = "Configuration"
	KindFeature        Kind = "Feature"
	KindBuild          Kind = "Build"
	KindContainer      Kind = "Container"
	KindLifecycle      Kind = "Lifecycle"
	KindNetwork        Kind = "Network"
	KindAuthentication Kind = "Authentication"
	KindValidation     Kind = "Validation"
)

// Error is the single structured error type every devc command
// surfaces to the user: a Kind/Code pair, a human-readable Message,
// an optional longer Description, and a Fields map carrying whatever
// structured context (phase, exit code, HTTP status, ...) the
// specific failure has.
type Error struct {
	Kind        Kind           `json:"kind"`
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Description string         `json:"description,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	Cause       error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s.%s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// FullCode returns the dotted Kind.Code form used throughout progress
// events and stdout error payloads (e.g. "Validation.MissingRequired").
func (e *Error) FullCode() string {
	return fmt.Sprintf("%s.%s", e.Kind, e.Code)
}

func newError(kind Kind, code string, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Configuration-category constructors.

func ConfigurationNotFound(path string) *Error {
	return &Error{Kind: KindConfiguration, Code: "NotFound", Message: "no devcontainer.json could be found", Fields: map[string]any{"path": path}}
}

func ConfigurationInvalidJson(path string, cause error) *Error {
	return newError(KindConfiguration, "InvalidJson", fmt.Sprintf("devcontainer.json at %s is not valid JSON", path), cause)
}

func ConfigurationInvalidRoot(path string, cause error) *Error {
	return newError(KindConfiguration, "InvalidRoot", fmt.Sprintf("devcontainer.json at %s failed schema validation", path), cause)
}

func ConfigurationExtendsCycle(chain []string) *Error {
	return &Error{Kind: KindConfiguration, Code: "ExtendsCycle", Message: "extends chain forms a cycle", Fields: map[string]any{"chain": chain}}
}

func ConfigurationNoEntryPoint() *Error {
	return &Error{Kind: KindConfiguration, Code: "NoEntryPoint", Message: "devcontainer.json specifies no supported build entry point (dockerFile, dockerComposeFile, or image)"}
}

func ConfigurationSubstitutionUnknownVar(name string) *Error {
	return &Error{Kind: KindConfiguration, Code: "SubstitutionUnknownVar", Message: "unknown variable referenced in substitution", Fields: map[string]any{"variable": name}}
}

func ConfigurationInvalidOverrideOrder(reason string) *Error {
	return &Error{Kind: KindConfiguration, Code: "InvalidOverrideOrder", Message: reason}
}

func ConfigurationConflictingFlags(a string, b string) *Error {
	return &Error{Kind: KindConfiguration, Code: "ConflictingFlags", Message: fmt.Sprintf("%s and %s may not be used together", a, b), Fields: map[string]any{"flags": []string{a, b}}}
}

// Feature-category constructors.

func FeatureFetchFailed(ref string, cause error) *Error {
	return newError(KindFeature, "FetchFailed", fmt.Sprintf("could not fetch feature %s", ref), cause)
}

func FeatureInvalidOption(featureID string, option string, reason string) *Error {
	return &Error{Kind: KindFeature, Code: "InvalidOption", Message: reason, Fields: map[string]any{"feature": featureID, "option": option}}
}

func FeatureCycle(chain []string) *Error {
	return &Error{Kind: KindFeature, Code: "Cycle", Message: "feature dependency graph forms a cycle", Fields: map[string]any{"chain": chain}}
}

func FeatureDependencyConflict(featureID string, reason string) *Error {
	return &Error{Kind: KindFeature, Code: "DependencyConflict", Message: reason, Fields: map[string]any{"feature": featureID}}
}

func FeatureMissingMetadata(ref string) *Error {
	return &Error{Kind: KindFeature, Code: "MissingMetadata", Message: "feature artifact has no devcontainer-feature.json", Fields: map[string]any{"ref": ref}}
}

// Build-category constructors.

func BuildKitRequired() *Error {
	return &Error{Kind: KindBuild, Code: "BuildKitRequired", Message: "this configuration requires a BuildKit-capable engine"}
}

func BuildComposeUnsupported(reason string) *Error {
	return &Error{Kind: KindBuild, Code: "ComposeUnsupported", Message: reason}
}

func BuildFailed(cause error) *Error {
	return newError(KindBuild, "BuildFailed", "image build failed", cause)
}

func BuildImageNotFound(ref string) *Error {
	return &Error{Kind: KindBuild, Code: "ImageNotFound", Message: "image not found", Fields: map[string]any{"image": ref}}
}

// Container-category constructors.

func ContainerNotFound(selector string) *Error {
	return &Error{Kind: KindContainer, Code: "NotFound", Message: "no matching container was found", Fields: map[string]any{"selector": selector}}
}

func ContainerAmbiguous(selector string, count int) *Error {
	return &Error{Kind: KindContainer, Code: "Ambiguous", Message: "more than one container matched the given selector", Fields: map[string]any{"selector": selector, "matches": count}}
}

func ContainerCreateFailed(cause error) *Error {
	return newError(KindContainer, "CreateFailed", "container creation failed", cause)
}

func ContainerStartFailed(cause error) *Error {
	return newError(KindContainer, "StartFailed", "container start failed", cause)
}

func ContainerInspectFailed(cause error) *Error {
	return newError(KindContainer, "InspectFailed", "container inspect failed", cause)
}

// Lifecycle-category constructors.

func LifecycleFailed(phase string, source string, exitCode int) *Error {
	return &Error{
		Kind:    KindLifecycle,
		Code:    "Failed",
		Message: fmt.Sprintf("%s (%s) exited with status %d", phase, source, exitCode),
		Fields:  map[string]any{"phase": phase, "source": source, "exitCode": exitCode},
	}
}

func LifecycleTimeout(phase string) *Error {
	return &Error{Kind: KindLifecycle, Code: "Timeout", Message: "lifecycle command timed out", Fields: map[string]any{"phase": phase}}
}

func LifecycleCancelled(phase string) *Error {
	return &Error{Kind: KindLifecycle, Code: "Cancelled", Message: "lifecycle command was cancelled", Fields: map[string]any{"phase": phase}}
}

// Network-category constructors.

func NetworkTransport(cause error) *Error {
	return newError(KindNetwork, "Transport", "network transport error", cause)
}

func NetworkTimeout(cause error) *Error {
	return newError(KindNetwork, "Timeout", "network request timed out", cause)
}

func NetworkProtocol(status int) *Error {
	return &Error{Kind: KindNetwork, Code: "Protocol", Message: fmt.Sprintf("unexpected response status %d", status), Fields: map[string]any{"status": status}}
}

// Authentication-category constructors.

func AuthenticationUnauthorized() *Error {
	return &Error{Kind: KindAuthentication, Code: "Unauthorized", Message: "registry authentication failed"}
}

func AuthenticationForbidden() *Error {
	return &Error{Kind: KindAuthentication, Code: "Forbidden", Message: "registry denied access"}
}

func AuthenticationChallengeUnsupported(scheme string) *Error {
	return &Error{Kind: KindAuthentication, Code: "ChallengeUnsupported", Message: "unsupported auth challenge scheme", Fields: map[string]any{"scheme": scheme}}
}

// Validation-category constructors.

func ValidationInvalidArgument(argument string, reason string) *Error {
	return &Error{Kind: KindValidation, Code: "InvalidArgument", Message: reason, Fields: map[string]any{"argument": argument}}
}

func ValidationMutuallyExclusive(a string, b string) *Error {
	return &Error{Kind: KindValidation, Code: "MutuallyExclusive", Message: fmt.Sprintf("%s and %s may not be used together", a, b), Fields: map[string]any{"flags": []string{a, b}}}
}

func ValidationMissingRequired(reason string) *Error {
	return &Error{Kind: KindValidation, Code: "MissingRequired", Message: reason}
}
