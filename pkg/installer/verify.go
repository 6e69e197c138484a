// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// venvPython returns the interpreter inside a virtual environment.
func venvPython(venvDir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venvDir, "Scripts", "python.exe")
	}
	return filepath.Join(venvDir, "bin", "python")
}

// pythonEnv is added to every interpreter command.
func pythonEnv() map[string]string {
	return map[string]string{
		"PYTHONIOENCODING":              "utf-8",
		"PYTHONUTF8":                    "1",
		"PIP_DISABLE_PIP_VERSION_CHECK": "1",
	}
}

// checker runs the independent post-checks. Every check is a single
// attempt; retrying is the caller's business.
type checker struct {
	runner  *Runner
	python  string
	workDir string
}

var once = RetryPolicy{Attempts: 1}

func (c checker) run(ctx context.Context, argv ...string) (CommandResult, error) {
	return c.runner.Run(ctx, Command{
		Name:   "check",
		Argv:   argv,
		Dir:    c.workDir,
		Env:    pythonEnv(),
		Policy: &once,
	})
}

// interpreter verifies the venv interpreter exists.
func (c checker) interpreter(context.Context) error {
	fi, err := os.Stat(c.python)
	if err != nil || fi.IsDir() {
		return &VerificationError{Subject: c.python, Method: "exists"}
	}
	return nil
}

// importable verifies module imports in the venv.
func (c checker) importable(ctx context.Context, module string) error {
	if _, err := c.run(ctx, c.python, "-c", "import "+module); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &VerificationError{Subject: module, Method: "import"}
	}
	return nil
}

// installed verifies pip knows the distribution.
func (c checker) installed(ctx context.Context, dist string) error {
	if _, err := c.run(ctx, c.python, "-m", "pip", "show", "--quiet", dist); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &VerificationError{Subject: dist, Method: "pip-show"}
	}
	return nil
}

// pkg verifies a package with its canonical method: an import when the
// module name is known, pip otherwise.
func (c checker) pkg(ctx context.Context, p Package) error {
	if p.Import != "" {
		return c.importable(ctx, p.Import)
	}
	return c.installed(ctx, p.Name)
}

// gitHead verifies dir is checked out at rev. rev may be a full or
// abbreviated commit, a tag or a branch; git resolves it inside dir.
func (c checker) gitHead(ctx context.Context, dir, rev string) error {
	res, err := c.run(ctx, "git", "-C", dir, "rev-parse", "HEAD")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &VerificationError{Subject: dir, Method: "git-head", Expected: rev, Actual: "no checkout"}
	}
	head := strings.TrimSpace(res.Stdout)

	res, err = c.run(ctx, "git", "-C", dir, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &VerificationError{Subject: dir, Method: "git-head", Expected: rev, Actual: head}
	}
	want := strings.TrimSpace(res.Stdout)
	if head == "" || head != want {
		return &VerificationError{Subject: dir, Method: "git-head", Expected: rev, Actual: head}
	}
	return nil
}

// file verifies a fetched artifact. size > 0 also checks the length.
func (c checker) file(_ context.Context, path string, size int64) error {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return &VerificationError{Subject: path, Method: "exists"}
	}
	if size > 0 && fi.Size() != size {
		return &VerificationError{Subject: path, Method: "size",
			Expected: fmt.Sprint(size), Actual: fmt.Sprint(fi.Size())}
	}
	return nil
}
