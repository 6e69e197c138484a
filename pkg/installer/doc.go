// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

/*
Package installer brings a local machine-learning web application to a
usable state: a virtual environment, its runtime and dependency packages,
pinned source checkouts and model weights. Every unit of work is
checkpointed, so an interrupted run picks up at the first unfinished unit.

# Features

  - Resumable downloads: bytes land in "<dest>.tmp" and continue from its size
  - Object store sources: s3://, gs:// and mem:// through gocloud.dev/blob
  - Retry with recovery: one RetryPolicy shared by downloads and commands,
    with a remediation for files held open by another process
  - Durable checkpoints: the progress file is rewritten atomically after
    every completed unit
  - Independent verification: a unit counts as done only once its side
    effect is observed (import, pip show, git HEAD, file on disk)
  - Context cancellation: subprocess trees are killed, partial files kept

# Quick Start

	m := installer.DefaultManifest()

	cfg := installer.DefaultSettings()
	cfg.WorkDir = "/opt/webui"
	cfg.ScratchDir = "/mnt/big/scratch"

	sum, err := installer.Install(ctx, m, cfg, func(e installer.ProgressEvent) {
		fmt.Printf("[%s] %s %s\n", e.Event, e.Stage, e.Message)
	})
	if err != nil {
		log.Fatal(err)
	}
	if !sum.Ready {
		log.Fatalf("halted at %s", sum.HaltedAt)
	}

# State Machine

Stages run strictly in order and belong to one phase each:

	ENV_READY -> RUNTIME_PACKAGE_READY -> DEPENDENCY_PACKAGES_READY
	          -> EXTERNAL_REPOS_READY -> ARTIFACTS_READY -> VERIFIED

A required stage that fails halts the run; later stages stay pending. An
optional stage that fails is reported in Summary.Defects and the run goes
on. VERIFIED is reached only by the final stage, which re-runs the verifier
of every required stage; Summary.Ready is true only then.

# Checkpoints

The progress file (install_progress.json by default) maps keys such as
"venv_created", "package:torch" and "repo:BLIP" to the time they were
verified. Recorded stages are re-verified on every run and re-applied when
their side effect has disappeared; set Settings.NoReverify to trust the
file instead. Reset clears the file and nothing else.

# Building Blocks

Transfer, Runner, Store, StageGraph and Orchestrator are usable on their
own:

	store, _ := installer.OpenStore("progress.json")
	g := installer.NewStageGraph()
	_ = g.Add(installer.Stage{Key: "hello", Phase: installer.PhaseEnvReady, Apply: apply})
	sum, err := installer.NewOrchestrator(store, g, installer.OrchestratorOptions{}).Run(ctx)

# Errors

Failures are classified with errors.Is against ErrTransientNetwork,
ErrResourceLocked, ErrPermanentConfig and ErrVerificationMismatch. Only
ErrPermanentConfig stops retrying early.
*/
package installer
