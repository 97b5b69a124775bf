package session

import (
	"fmt"
	"sync"
)

// Profile describes how to launch one kind of interactive agent worker.
type Profile struct {
	// Name identifies the profile, e.g. "claude" or "codex".
	Name string `json:"name"`

	// Command and Args form the worker invocation.
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`

	// Env is merged over the parent environment, KEY=VALUE entries.
	Env []string `json:"env,omitempty"`

	// ResumeArgs, when non-empty, are appended with the resume token to
	// continue a previous worker conversation.
	ResumeArgs []string `json:"resume_args,omitempty"`

	Description string `json:"description,omitempty"`
}

// DefaultProfiles returns the built-in worker profiles.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Name:    "claude",
			Command: "claude",
			Args: []string{
				"--output-format", "stream-json",
				"--input-format", "stream-json",
				"--verbose",
			},
			ResumeArgs:  []string{"--resume"},
			Description: "Claude Code CLI in interactive stream-json mode",
		},
		{
			Name:    "codex",
			Command: "codex",
			Args: []string{
				"proto",
			},
			Description: "Codex CLI in protocol mode",
		},
	}
}

// ProfileRegistry holds the named worker profiles available to the pool.
// Safe for concurrent use.
type ProfileRegistry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewProfileRegistry creates a registry seeded with the default profiles.
func NewProfileRegistry() *ProfileRegistry {
	r := &ProfileRegistry{
		profiles: make(map[string]Profile),
	}
	for _, p := range DefaultProfiles() {
		r.profiles[p.Name] = p
	}
	return r
}

// Register adds or replaces a profile.
func (r *ProfileRegistry) Register(p Profile) error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.Command == "" {
		return fmt.Errorf("profile %q needs a command", p.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Name] = p
	return nil
}

// Get looks up a profile by name.
func (r *ProfileRegistry) Get(name string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	return p, ok
}

// List returns all registered profiles.
func (r *ProfileRegistry) List() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	return out
}
