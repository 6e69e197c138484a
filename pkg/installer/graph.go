// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"context"
	"fmt"
)

// Phase is a state of the installation state machine.
type Phase string

// Phases in the order they are reached.
const (
	PhaseStart          Phase = "START"
	PhaseEnvReady       Phase = "ENV_READY"
	PhaseRuntimeReady   Phase = "RUNTIME_PACKAGE_READY"
	PhaseDepsReady      Phase = "DEPENDENCY_PACKAGES_READY"
	PhaseReposReady     Phase = "EXTERNAL_REPOS_READY"
	PhaseArtifactsReady Phase = "ARTIFACTS_READY"
	PhaseVerified       Phase = "VERIFIED"
)

var phaseOrder = []Phase{
	PhaseEnvReady,
	PhaseRuntimeReady,
	PhaseDepsReady,
	PhaseReposReady,
	PhaseArtifactsReady,
	PhaseVerified,
}

// Phases returns every phase after PhaseStart, in order.
func Phases() []Phase {
	return append([]Phase(nil), phaseOrder...)
}

// Index returns the position of p in the phase order; PhaseStart is -1
// and unknown phases are -2.
func (p Phase) Index() int {
	if p == PhaseStart {
		return -1
	}
	for i, q := range phaseOrder {
		if q == p {
			return i
		}
	}
	return -2
}

// Progress keys.
const (
	KeyVenv         = "venv_created"
	KeyPipUpgraded  = "pip_upgraded"
	KeyRequirements = "requirements"
	KeyVerified     = "verified"

	packagePrefix  = "package:"
	repoPrefix     = "repo:"
	artifactPrefix = "artifact:"
)

// PackageKey is the progress key of an installed package.
func PackageKey(name string) string { return packagePrefix + name }

// RepoKey is the progress key of a checked out repository.
func RepoKey(name string) string { return repoPrefix + name }

// ArtifactKey is the progress key of a fetched artifact.
func ArtifactKey(name string) string { return artifactPrefix + name }

// Outcome is what an apply function reports, on success and on failure.
type Outcome struct {
	Attempts int
	Output   string
	Meta     map[string]string
}

// Stage is one idempotent unit of the installation.
type Stage struct {
	// Key is the progress key recorded when the stage is verified.
	Key  string
	Name string

	Phase Phase

	// Optional stages may fail without halting the run.
	Optional bool

	// Adoptable stages whose Verify passes without a record are recorded
	// without applying them (a package installed by hand, an existing
	// interpreter).
	Adoptable bool

	// AlwaysRun ignores recorded progress. Used by the final verification.
	AlwaysRun bool

	// Apply performs the work. It must be safe to call again after a
	// partial or complete earlier run.
	Apply func(ctx context.Context) (Outcome, error)

	// Verify checks the side effect independently of Apply. Nil means the
	// apply result is trusted.
	Verify func(ctx context.Context) error
}

// StageGraph is the ordered list of stages. Stages must be added in
// phase order.
type StageGraph struct {
	stages  []Stage
	keys    map[string]bool
	markers map[Phase]string
}

// NewStageGraph returns an empty graph.
func NewStageGraph() *StageGraph {
	return &StageGraph{keys: map[string]bool{}, markers: map[Phase]string{}}
}

// Add appends s. Its phase may not precede the phase of the last stage.
func (g *StageGraph) Add(s Stage) error {
	switch {
	case s.Key == "":
		return &ConfigError{What: fmt.Sprintf("stage %q has no key", s.Name)}
	case g.keys[s.Key]:
		return &ConfigError{What: "duplicate stage " + s.Key}
	case s.Apply == nil:
		return &ConfigError{What: "stage " + s.Key + " has no apply function"}
	case s.Phase.Index() < 0:
		return &ConfigError{What: fmt.Sprintf("stage %s has unknown phase %q", s.Key, s.Phase)}
	}
	if n := len(g.stages); n > 0 && s.Phase.Index() < g.stages[n-1].Phase.Index() {
		return &ConfigError{What: fmt.Sprintf("stage %s (%s) added after %s stages", s.Key, s.Phase, g.stages[n-1].Phase)}
	}
	if s.Name == "" {
		s.Name = s.Key
	}
	g.keys[s.Key] = true
	g.stages = append(g.stages, s)
	return nil
}

// Mark records key when phase finishes without a required failure.
func (g *StageGraph) Mark(phase Phase, key string) {
	g.markers[phase] = key
}

// Stages returns the stages in execution order.
func (g *StageGraph) Stages() []Stage {
	return append([]Stage(nil), g.stages...)
}

// Len returns the number of stages.
func (g *StageGraph) Len() int { return len(g.stages) }

// marker returns the key recorded for phase, if any.
func (g *StageGraph) marker(phase Phase) (string, bool) {
	k, ok := g.markers[phase]
	return k, ok
}

// has reports whether any stage belongs to phase.
func (g *StageGraph) has(phase Phase) bool {
	for _, s := range g.stages {
		if s.Phase == phase {
			return true
		}
	}
	return false
}
