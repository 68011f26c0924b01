// Package language is the registry of supported languages.
//
// A Profile tells the rest of the pipeline which container image to run, how
// to invoke the interpreter, and which file extension the source needs.
// Adding a language means adding one Profile to Defaults(); nothing else in the
// pipeline changes.
//
// A Registry is immutable after construction and safe for concurrent use.
package language

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// SourceToken is the only placeholder a command template may contain. An argv
// element equal to SourceToken is replaced by the in-container source path;
// nothing else from a request is ever interpolated into the command.
const SourceToken = "{source}"

// Profile describes how to run one language.
type Profile struct {
	ID        string
	Aliases   []string
	Image     string
	Command   []string // argv template, see SourceToken
	Extension string   // including the leading dot, e.g. ".py"
	Env       []string // fixed KEY=VALUE pairs for the interpreter
	Limits    Limits
}

// Limits overrides the sandbox defaults for one language. Zero fields keep
// the configured default.
type Limits struct {
	// Timeout replaces the wall-clock limit. It covers compilation for
	// languages whose command builds before it runs.
	Timeout     time.Duration
	MemoryBytes int64
	CPUs        float64
	Pids        int64
	// ExecScratch mounts /tmp without noexec, for toolchains that write a
	// binary there and then run it.
	ExecScratch bool
}

// Argv returns the command for a source file at sourcePath.
func (p Profile) Argv(sourcePath string) []string {
	argv := make([]string, len(p.Command))
	for i, arg := range p.Command {
		if arg == SourceToken {
			argv[i] = sourcePath
			continue
		}
		argv[i] = arg
	}
	return argv
}

func (p Profile) validate() error {
	if p.ID == "" {
		return fmt.Errorf("language: profile has no id")
	}
	if p.Image == "" {
		return fmt.Errorf("language: %s: image is required", p.ID)
	}
	if !strings.HasPrefix(p.Extension, ".") || len(p.Extension) < 2 {
		return fmt.Errorf("language: %s: invalid extension %q", p.ID, p.Extension)
	}
	if !slices.Contains(p.Command, SourceToken) {
		return fmt.Errorf("language: %s: command must reference %s", p.ID, SourceToken)
	}
	for _, arg := range p.Command {
		if arg != SourceToken && strings.Contains(arg, SourceToken) {
			return fmt.Errorf("language: %s: %s must be a whole argument, got %q", p.ID, SourceToken, arg)
		}
	}
	return nil
}

// Defaults returns the built-in profiles.
func Defaults() []Profile {
	return []Profile{
		{
			ID:        "python",
			Aliases:   []string{"py", "python3"},
			Image:     "python:3.12-alpine",
			Command:   []string{"python3", "-u", SourceToken},
			Extension: ".py",
		},
		{
			ID:        "javascript",
			Aliases:   []string{"js", "node"},
			Image:     "node:22-alpine",
			Command:   []string{"node", SourceToken},
			Extension: ".js",
		},
		{
			ID:        "go",
			Aliases:   []string{"golang"},
			Image:     "golang:1.23-alpine",
			Command:   []string{"go", "run", SourceToken},
			Extension: ".go",
			// The root filesystem is read-only; only /tmp is writable.
			// The build cache starts empty, so every run compiles the
			// standard library packages it imports.
			Env: []string{
				"HOME=/tmp",
				"GOCACHE=/tmp/go-cache",
				"GOPATH=/tmp/go",
				"GOTOOLCHAIN=local",
				"CGO_ENABLED=0",
				"GOMAXPROCS=2",
				"GOFLAGS=-p=2",
			},
			Limits: Limits{
				Timeout:     30 * time.Second,
				MemoryBytes: 512 * 1024 * 1024,
				CPUs:        2,
				Pids:        256,
				ExecScratch: true,
			},
		},
	}
}

// Registry resolves language identifiers to profiles.
type Registry struct {
	profiles map[string]Profile // by id
	index    map[string]string  // id or alias -> id
}

// NewRegistry builds a registry from profiles. Ids and aliases must be unique
// across all profiles.
func NewRegistry(profiles ...Profile) (*Registry, error) {
	r := &Registry{
		profiles: make(map[string]Profile, len(profiles)),
		index:    make(map[string]string),
	}
	for _, p := range profiles {
		p.ID = normalize(p.ID)
		if err := p.validate(); err != nil {
			return nil, err
		}
		// Own the slices so later mutation by the caller is not visible.
		p.Aliases = slices.Clone(p.Aliases)
		p.Command = slices.Clone(p.Command)
		p.Env = slices.Clone(p.Env)

		for _, name := range append([]string{p.ID}, p.Aliases...) {
			name = normalize(name)
			if owner, dup := r.index[name]; dup {
				return nil, fmt.Errorf("language: %q is claimed by both %s and %s", name, owner, p.ID)
			}
			r.index[name] = p.ID
		}
		r.profiles[p.ID] = p
	}
	return r, nil
}

// MustDefault returns the registry of built-in profiles.
func MustDefault() *Registry {
	r, err := NewRegistry(Defaults()...)
	if err != nil {
		panic(err)
	}
	return r
}

// WithImages returns a new registry whose images are replaced by overrides
// (keyed by language id). Unknown ids are an error.
func (r *Registry) WithImages(overrides map[string]string) (*Registry, error) {
	profiles := r.List()
	for id, image := range overrides {
		id = normalize(id)
		i := slices.IndexFunc(profiles, func(p Profile) bool { return p.ID == id })
		if i < 0 {
			return nil, fmt.Errorf("language: image override for unknown language %q", id)
		}
		profiles[i].Image = image
	}
	return NewRegistry(profiles...)
}

// Resolve looks up a language by id or alias. The second return value is
// false when the language is not supported.
func (r *Registry) Resolve(id string) (Profile, bool) {
	canonical, ok := r.index[normalize(id)]
	if !ok {
		return Profile{}, false
	}
	return r.profiles[canonical], true
}

// List returns all profiles sorted by id.
func (r *Registry) List() []Profile {
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Images returns the distinct images referenced by the registry.
func (r *Registry) Images() []string {
	var images []string
	for _, p := range r.List() {
		if !slices.Contains(images, p.Image) {
			images = append(images, p.Image)
		}
	}
	return images
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
