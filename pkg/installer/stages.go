// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// planner turns a Manifest into a StageGraph.
type planner struct {
	m        Manifest
	cfg      resolved
	runner   *Runner
	transfer *Transfer
	check    checker
	venvDir  string
	reqFile  string
}

func newPlanner(m Manifest, cfg resolved, runner *Runner, transfer *Transfer) *planner {
	venvDir := cfg.path(m.VenvDir)
	return &planner{
		m:        m,
		cfg:      cfg,
		runner:   runner,
		transfer: transfer,
		venvDir:  venvDir,
		check:    checker{runner: runner, python: venvPython(venvDir), workDir: cfg.workDir},
	}
}

// graph builds the stage graph. Requirements files are read here, so the
// plan reflects the file as it is when the run starts.
func (p *planner) graph() (*StageGraph, error) {
	g := NewStageGraph()
	add := func(s Stage) error { return g.Add(s) }

	if err := add(p.venvStage()); err != nil {
		return nil, err
	}
	if !p.m.SkipPipUpgrade {
		if err := add(p.pipUpgradeStage()); err != nil {
			return nil, err
		}
	}
	if p.m.Runtime.Name != "" {
		if err := add(p.runtimeStage()); err != nil {
			return nil, err
		}
	}

	pkgs, err := p.packages()
	if err != nil {
		return nil, err
	}
	for _, pkg := range pkgs {
		if err := add(p.packageStage(pkg)); err != nil {
			return nil, err
		}
	}
	g.Mark(PhaseDepsReady, KeyRequirements)

	for _, r := range p.m.Repositories {
		if err := add(p.repoStage(r)); err != nil {
			return nil, err
		}
	}
	for _, a := range p.m.Artifacts {
		if err := add(p.artifactStage(a)); err != nil {
			return nil, err
		}
	}
	if err := add(p.verifyStage(g.Stages())); err != nil {
		return nil, err
	}
	return g, nil
}

// packages returns manifest packages followed by requirements lines that
// name something not installed elsewhere.
func (p *planner) packages() ([]Package, error) {
	out := append([]Package(nil), p.m.Packages...)
	if len(p.m.RequirementsFiles) == 0 {
		return out, nil
	}
	paths := make([]string, len(p.m.RequirementsFiles))
	for i, f := range p.m.RequirementsFiles {
		paths[i] = p.cfg.path(f)
	}
	file, reqs, err := ReadRequirements(paths...)
	if err != nil {
		return nil, &ConfigError{What: "requirements", Err: err}
	}
	p.reqFile = file

	taken := map[string]bool{}
	if p.m.Runtime.Name != "" {
		taken[normalizeName(p.m.Runtime.Name)] = true
	}
	for _, pkg := range p.m.Packages {
		taken[normalizeName(pkg.Name)] = true
	}
	for _, r := range reqs {
		if taken[normalizeName(r.Name)] {
			continue
		}
		out = append(out, Package{Name: r.Name, Spec: r.Spec, Args: []string{"--prefer-binary"}})
	}
	return out, nil
}

func (p *planner) pip(args ...string) []string {
	return append([]string{p.check.python, "-m", "pip", "install"}, args...)
}

func (p *planner) venvStage() Stage {
	return Stage{
		Key:       KeyVenv,
		Name:      "create virtual environment",
		Phase:     PhaseEnvReady,
		Adoptable: true,
		Verify:    p.check.interpreter,
		Apply: func(ctx context.Context) (Outcome, error) {
			// A venv directory without an interpreter is a broken earlier
			// attempt and would make "python -m venv" fail.
			if _, err := os.Stat(p.venvDir); err == nil && p.check.interpreter(ctx) != nil {
				if err := os.RemoveAll(p.venvDir); err != nil {
					return Outcome{}, fmt.Errorf("remove broken venv: %w", err)
				}
			}
			res, err := p.runner.Run(ctx, Command{
				Name: "venv",
				Argv: []string{p.m.Python, "-m", "venv", p.venvDir},
				Dir:  p.cfg.workDir,
			})
			return Outcome{Attempts: res.Attempts, Output: res.Stderr,
				Meta: map[string]string{"path": p.venvDir}}, err
		},
	}
}

func (p *planner) pipUpgradeStage() Stage {
	return Stage{
		Key:      KeyPipUpgraded,
		Name:     "upgrade pip",
		Phase:    PhaseEnvReady,
		Optional: true,
		Apply: func(ctx context.Context) (Outcome, error) {
			res, err := p.runner.Run(ctx, Command{
				Name: "pip upgrade",
				Argv: p.pip("--upgrade", "pip"),
				Dir:  p.cfg.workDir,
				Env:  pythonEnv(),
			})
			return Outcome{Attempts: res.Attempts, Output: res.Stderr}, err
		},
	}
}

func (p *planner) runtimeStage() Stage {
	rt := p.m.Runtime
	methods := rt.Methods
	if len(methods) == 0 {
		methods = [][]string{append([]string{defaultString(rt.Spec, rt.Name)}, rt.Args...)}
	}
	verify := func(ctx context.Context) error { return p.check.pkg(ctx, rt.Package) }

	return Stage{
		Key:       PackageKey(rt.Name),
		Name:      "install " + rt.Name,
		Phase:     PhaseRuntimeReady,
		Adoptable: true,
		Verify:    verify,
		Apply: func(ctx context.Context) (Outcome, error) {
			var out Outcome
			var errs []error
			for i, args := range methods {
				res, err := p.runner.Run(ctx, Command{
					Name:    fmt.Sprintf("%s (method %d/%d)", rt.Name, i+1, len(methods)),
					Argv:    p.pip(args...),
					Dir:     p.cfg.workDir,
					Env:     pythonEnv(),
					Success: succeeds(verify),
				})
				out.Attempts += res.Attempts
				out.Output = res.Stderr
				if err == nil {
					out.Meta = map[string]string{"method": strconv.Itoa(i + 1), "args": strings.Join(args, " ")}
					return out, nil
				}
				errs = append(errs, err)
				if ctx.Err() != nil {
					break
				}
			}
			return out, errors.Join(errs...)
		},
	}
}

func (p *planner) packageStage(pkg Package) Stage {
	verify := func(ctx context.Context) error { return p.check.pkg(ctx, pkg) }
	return Stage{
		Key:       PackageKey(pkg.Name),
		Name:      "install " + pkg.Name,
		Phase:     PhaseDepsReady,
		Optional:  pkg.Optional,
		Adoptable: true,
		Verify:    verify,
		Apply: func(ctx context.Context) (Outcome, error) {
			var out Outcome
			target := defaultString(pkg.Spec, pkg.Name)
			if pkg.Archive != "" {
				local, res, err := p.fetchArchive(ctx, pkg)
				out.Attempts += res.Attempts
				if err != nil {
					return out, err
				}
				target = local
			}
			res, err := p.runner.Run(ctx, Command{
				Name:    pkg.Name,
				Argv:    p.pip(append([]string{target}, pkg.Args...)...),
				Dir:     p.cfg.workDir,
				Env:     pythonEnv(),
				Success: succeeds(verify),
			})
			out.Attempts += res.Attempts
			out.Output = res.Stderr
			if err == nil {
				out.Meta = map[string]string{"spec": target}
			}
			return out, err
		},
	}
}

// fetchArchive downloads a package archive into the archive directory of
// scratch. Lock recovery leaves that directory alone.
func (p *planner) fetchArchive(ctx context.Context, pkg Package) (string, FetchResult, error) {
	dir := p.cfg.path("downloads")
	if p.cfg.scratchDir != "" {
		dir = filepath.Join(p.cfg.scratchDir, ArchiveDir)
	}
	dest := filepath.Join(dir, archiveName(pkg))
	res, err := p.transfer.Fetch(ctx, Artifact{Name: pkg.Name, URL: pkg.Archive, Dest: dest})
	return dest, res, err
}

func (p *planner) repoStage(r Repository) Stage {
	dir := p.cfg.path(r.Dir)
	policy := p.runner.Policy()
	// Each git step is tried once; the clone loop below owns retries and
	// runs recovery between them.
	step := RetryPolicy{Attempts: 1, Recovery: policy.Recovery}
	return Stage{
		Key:      RepoKey(r.Name),
		Name:     "clone " + r.Name,
		Phase:    PhaseReposReady,
		Optional: r.Optional,
		Verify: func(ctx context.Context) error {
			return p.check.gitHead(ctx, dir, r.Revision)
		},
		Apply: func(ctx context.Context) (Outcome, error) {
			var out Outcome
			attempts, err := policy.Do(ctx, RetryObserver{}, func(ctx context.Context, _ int) error {
				// Always start from a fresh clone; an existing directory may be
				// empty or at the wrong revision.
				if err := os.RemoveAll(dir); err != nil {
					err = fmt.Errorf("remove %s: %w", dir, err)
					if sig, ok := policy.Recovery.Match(err.Error()); ok {
						return &LockError{Signature: sig, Err: err}
					}
					return err
				}
				if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
					return &ConfigError{What: "create " + filepath.Dir(dir), Err: err}
				}
				steps := [][]string{
					{"git", "clone", "--config", "core.filemode=false", r.URL, dir},
					{"git", "-C", dir, "checkout", r.Revision},
				}
				for _, argv := range steps {
					res, err := p.runner.Run(ctx, Command{Name: "git " + argv[1], Argv: argv, Dir: p.cfg.workDir, Policy: &step})
					out.Output = res.Stderr
					if err != nil {
						return err
					}
				}
				return nil
			})
			out.Attempts = attempts
			if err == nil {
				out.Meta = map[string]string{"revision": r.Revision, "dir": dir}
			}
			return out, err
		},
	}
}

func (p *planner) artifactStage(a Artifact) Stage {
	a.Dest = p.cfg.path(a.Dest)
	size := int64(0)
	if p.cfg.verify == "size" {
		size = int64(a.ExpectedSize)
	}
	return Stage{
		Key:       ArtifactKey(a.Name),
		Name:      "download " + a.Name,
		Phase:     PhaseArtifactsReady,
		Optional:  a.Optional,
		Adoptable: true,
		Verify: func(ctx context.Context) error {
			if exists(TempPath(a.Dest)) {
				return &VerificationError{Subject: a.Dest, Method: "exists", Actual: "partial"}
			}
			return p.check.file(ctx, a.Dest, size)
		},
		Apply: func(ctx context.Context) (Outcome, error) {
			res, err := p.transfer.Fetch(ctx, a)
			out := Outcome{Attempts: res.Attempts}
			if err == nil {
				out.Meta = map[string]string{"bytes": strconv.FormatInt(res.Size, 10)}
			}
			return out, err
		},
	}
}

// verifyStage re-checks every required stage plus the configured imports.
func (p *planner) verifyStage(stages []Stage) Stage {
	return Stage{
		Key:       KeyVerified,
		Name:      "verify installation",
		Phase:     PhaseVerified,
		AlwaysRun: true,
		Apply: func(ctx context.Context) (Outcome, error) {
			var errs []error
			checked := 0
			for _, st := range stages {
				if st.Optional || st.Verify == nil {
					continue
				}
				checked++
				if err := st.Verify(ctx); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", st.Key, err))
				}
			}
			for _, mod := range p.m.VerifyImports {
				checked++
				if err := p.check.importable(ctx, mod); err != nil {
					errs = append(errs, err)
				}
			}
			out := Outcome{Attempts: 1, Meta: map[string]string{"checks": strconv.Itoa(checked)}}
			if len(errs) > 0 {
				return out, errors.Join(errs...)
			}
			return out, nil
		},
	}
}

// succeeds adapts a verifier to a command success predicate.
func succeeds(verify func(context.Context) error) func(context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		if err := verify(ctx); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, nil
		}
		return true, nil
	}
}
