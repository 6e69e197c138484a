// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ByteSize is a size that unmarshals from numbers or human strings such
// as "3.97GB" or "335MiB".
type ByteSize int64

// ParseByteSize parses a byte count or a human size.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return ByteSize(n), nil
}

// String formats the size for humans.
func (b ByteSize) String() string {
	return humanize.Bytes(uint64(b))
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	n, err := ParseByteSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = n
	return nil
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	n, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = n
	return nil
}

// Package is a pip-installable unit.
type Package struct {
	// Name is the distribution name and the progress key suffix.
	Name string `json:"name" yaml:"name"`

	// Spec is the requirement passed to pip ("xformers==0.0.23.post1").
	// Defaults to Name.
	Spec string `json:"spec,omitempty" yaml:"spec,omitempty"`

	// Import is the module used to verify the install. When empty the
	// package is verified with "pip show".
	Import string `json:"import,omitempty" yaml:"import,omitempty"`

	// Archive is a URL fetched into the ArchiveDir of scratch first and
	// then installed from the local file.
	Archive string `json:"archive,omitempty" yaml:"archive,omitempty"`

	// Args are extra pip arguments.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// RuntimePackage is the package everything else builds on (torch). Its
// install methods are alternative pip argument lists, tried in order.
type RuntimePackage struct {
	Package `yaml:",inline"`

	Methods [][]string `json:"methods,omitempty" yaml:"methods,omitempty"`
}

// Repository is a source checkout pinned to a revision.
type Repository struct {
	Name     string `json:"name" yaml:"name"`
	URL      string `json:"url" yaml:"url"`
	// Revision is a commit, tag or branch.
	Revision string `json:"revision" yaml:"revision"`

	// Dir defaults to "repositories/<Name>".
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Manifest lists what an installation consists of.
type Manifest struct {
	// VenvDir is the virtual environment directory. Defaults to "venv".
	VenvDir string `json:"venv_dir,omitempty" yaml:"venv_dir,omitempty"`

	// Python is the interpreter that creates the venv.
	Python string `json:"python,omitempty" yaml:"python,omitempty"`

	// SkipPipUpgrade drops the optional pip self-upgrade.
	SkipPipUpgrade bool `json:"skip_pip_upgrade,omitempty" yaml:"skip_pip_upgrade,omitempty"`

	Runtime RuntimePackage `json:"runtime" yaml:"runtime"`

	Packages []Package `json:"packages,omitempty" yaml:"packages,omitempty"`

	// RequirementsFiles are tried in order; the first that exists is
	// expanded to one package stage per line.
	RequirementsFiles []string `json:"requirements_files,omitempty" yaml:"requirements_files,omitempty"`

	Repositories []Repository `json:"repositories,omitempty" yaml:"repositories,omitempty"`

	Artifacts []Artifact `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`

	// VerifyImports are imported by the final verification in addition to
	// the verifiers of every required stage.
	VerifyImports []string `json:"verify_imports,omitempty" yaml:"verify_imports,omitempty"`
}

// LoadManifest reads a manifest. Files ending in .json or .jsonc are JSON
// (comments and trailing commas allowed); anything else is YAML.
func LoadManifest(p string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(p)
	if err != nil {
		return m, fmt.Errorf("reading manifest: %w", err)
	}
	switch strings.ToLower(filepath.Ext(p)) {
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), &m)
	default:
		err = yaml.Unmarshal(data, &m)
	}
	if err != nil {
		return m, &ConfigError{What: "manifest " + p, Err: err}
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

func (m *Manifest) applyDefaults() {
	if m.VenvDir == "" {
		m.VenvDir = "venv"
	}
	if m.Python == "" {
		m.Python = defaultPython()
	}
	for i := range m.Repositories {
		if m.Repositories[i].Dir == "" {
			m.Repositories[i].Dir = filepath.Join("repositories", m.Repositories[i].Name)
		}
	}
}

func defaultPython() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

// Validate checks names and required fields.
func (m Manifest) Validate() error {
	seen := map[string]bool{}
	unique := func(key string) error {
		if seen[key] {
			return &ConfigError{What: "duplicate entry " + key}
		}
		seen[key] = true
		return nil
	}

	if m.Runtime.Name != "" {
		// Repositories are only cloned once the runtime is recorded.
		if m.Runtime.Optional {
			return &ConfigError{What: fmt.Sprintf("runtime %q cannot be optional", m.Runtime.Name)}
		}
		if err := unique(PackageKey(m.Runtime.Name)); err != nil {
			return err
		}
	}
	for _, p := range m.Packages {
		if p.Name == "" {
			return &ConfigError{What: "package without name"}
		}
		if err := unique(PackageKey(p.Name)); err != nil {
			return err
		}
	}
	for _, r := range m.Repositories {
		if r.Name == "" || r.URL == "" || r.Revision == "" {
			return &ConfigError{What: fmt.Sprintf("repository %q needs name, url and revision", r.Name)}
		}
		if err := unique(RepoKey(r.Name)); err != nil {
			return err
		}
	}
	for _, a := range m.Artifacts {
		if a.Name == "" || a.URL == "" || a.Dest == "" {
			return &ConfigError{What: fmt.Sprintf("artifact %q needs name, url and dest", a.Name)}
		}
		if err := unique(ArtifactKey(a.Name)); err != nil {
			return err
		}
	}
	return nil
}

// archiveName is the local file name of a package archive.
func archiveName(p Package) string {
	base := path.Base(strings.SplitN(p.Archive, "?", 2)[0])
	if base == "." || base == "/" || base == "" {
		base = "archive.zip"
	}
	return p.Name + "-" + base
}

// DefaultManifest describes the stock web UI installation.
func DefaultManifest() Manifest {
	const cu121 = "https://download.pytorch.org/whl/cu121"
	m := Manifest{
		Runtime: RuntimePackage{
			Package: Package{Name: "torch", Import: "torch"},
			Methods: [][]string{
				{"torch==2.1.2", "torchvision==0.16.2", "--extra-index-url", cu121, "--prefer-binary"},
				{"torch", "torchvision", "--extra-index-url", cu121, "--no-cache-dir"},
			},
		},
		Packages: []Package{
			{Name: "clip", Import: "clip",
				Archive: "https://github.com/openai/CLIP/archive/d50d76daa670286dd6cacf3bcd80b5e4823fc8e1.zip"},
			{Name: "open_clip", Import: "open_clip",
				Archive: "https://github.com/mlfoundations/open_clip/archive/bb6e834e9c70d9c27d0dc3ecedeebeaeb1ffad6b.zip"},
			{Name: "xformers", Spec: "xformers==0.0.23.post1", Import: "xformers", Optional: true},
		},
		RequirementsFiles: []string{"requirements_versions.txt", "requirements.txt"},
		Repositories: []Repository{
			{Name: "stable-diffusion-webui-assets",
				URL:      "https://github.com/AUTOMATIC1111/stable-diffusion-webui-assets.git",
				Revision: "6f7db241d2f8ba7457bac5ca9753331f0c266917"},
			{Name: "stable-diffusion-stability-ai",
				URL:      "https://github.com/Stability-AI/stablediffusion.git",
				Revision: "cf1d67a6fd5ea1aa600c4df58e5b47da45f6bdbf"},
			{Name: "generative-models",
				URL:      "https://github.com/Stability-AI/generative-models.git",
				Revision: "45c443b316737a4ab6e40413d7794a7f5657c19f"},
			{Name: "k-diffusion",
				URL:      "https://github.com/crowsonkb/k-diffusion.git",
				Revision: "ab527a9a6d347f364e3d185ba6d714e22d80cb3c"},
			{Name: "BLIP",
				URL:      "https://github.com/salesforce/BLIP.git",
				Revision: "48211a1594f1321b00f14c9f7a5b4813144b2fb9"},
		},
		Artifacts: []Artifact{
			{Name: "sd_1_5",
				URL:          "https://huggingface.co/runwayml/stable-diffusion-v1-5/resolve/main/v1-5-pruned-emaonly.safetensors",
				Dest:         "models/Stable-diffusion/v1-5-pruned-emaonly.safetensors",
				ExpectedSize: 3970 * 1000 * 1000},
			{Name: "vae_mse",
				URL:          "https://huggingface.co/stabilityai/sd-vae-ft-mse-original/resolve/main/vae-ft-mse-840000-ema-pruned.safetensors",
				Dest:         "models/VAE/vae-ft-mse-840000-ema-pruned.safetensors",
				ExpectedSize: 335 * 1000 * 1000, Optional: true},
			{Name: "realesrgan",
				URL:          "https://github.com/xinntao/Real-ESRGAN/releases/download/v0.1.0/RealESRGAN_x4plus.pth",
				Dest:         "models/ESRGAN/RealESRGAN_x4plus.pth",
				ExpectedSize: 67 * 1000 * 1000, Optional: true},
			{Name: "gfpgan",
				URL:          "https://github.com/TencentARC/GFPGAN/releases/download/v1.3.0/GFPGANv1.4.pth",
				Dest:         "models/GFPGAN/GFPGANv1.4.pth",
				ExpectedSize: 348 * 1000 * 1000, Optional: true},
		},
		VerifyImports: []string{"torch", "clip", "open_clip"},
	}
	m.applyDefaults()
	return m
}
