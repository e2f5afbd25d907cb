// Package build holds build identity and the artifact files fetched for one device.
package build

import (
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Info is immutable after construction except for artifact registration
// done by the provider before handing it out.
type Info struct {
	BuildID string
	Flavor  string
	Branch  string

	artifacts *artifactSet
	released  atomic.Bool
}

// Artifact is a named local file that belongs to a build.
type Artifact struct {
	Name string
	Path string
	// Owned artifacts are deleted when the last holder cleans up.
	Owned bool
}

type artifactSet struct {
	mu    sync.Mutex
	files map[string]Artifact
	refs  int32
}

// NewInfo creates a build with no artifacts.
func NewInfo(buildID, flavor, branch string) *Info {
	return &Info{
		BuildID:   buildID,
		Flavor:    flavor,
		Branch:    branch,
		artifacts: &artifactSet{files: make(map[string]Artifact), refs: 1},
	}
}

// AddArtifact registers a named file. A later call with the same name replaces the entry.
func (b *Info) AddArtifact(a Artifact) {
	if b == nil || a.Name == "" {
		return
	}
	b.artifacts.mu.Lock()
	b.artifacts.files[a.Name] = a
	b.artifacts.mu.Unlock()
}

// Artifact returns the file registered under name.
func (b *Info) Artifact(name string) (Artifact, bool) {
	if b == nil {
		return Artifact{}, false
	}
	b.artifacts.mu.Lock()
	defer b.artifacts.mu.Unlock()
	a, ok := b.artifacts.files[name]
	return a, ok
}

// ArtifactNames lists registered artifact names in sorted order.
func (b *Info) ArtifactNames() []string {
	if b == nil {
		return nil
	}
	b.artifacts.mu.Lock()
	defer b.artifacts.mu.Unlock()
	names := make([]string, 0, len(b.artifacts.files))
	for name := range b.artifacts.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a new holder of the same build. The artifact files are shared
// and only removed once every holder has called CleanUp.
func (b *Info) Clone() *Info {
	if b == nil {
		return nil
	}
	atomic.AddInt32(&b.artifacts.refs, 1)
	return &Info{
		BuildID:   b.BuildID,
		Flavor:    b.Flavor,
		Branch:    b.Branch,
		artifacts: b.artifacts,
	}
}

// Released reports whether this holder already cleaned up.
func (b *Info) Released() bool {
	return b != nil && b.released.Load()
}

// CleanUp releases this holder. It is safe to call more than once.
func (b *Info) CleanUp() error {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return nil
	}
	if atomic.AddInt32(&b.artifacts.refs, -1) > 0 {
		return nil
	}
	b.artifacts.mu.Lock()
	files := make([]Artifact, 0, len(b.artifacts.files))
	for _, a := range b.artifacts.files {
		files = append(files, a)
	}
	b.artifacts.mu.Unlock()

	var firstErr error
	for _, a := range files {
		if !a.Owned || a.Path == "" {
			continue
		}
		if err := os.RemoveAll(a.Path); err != nil {
			log.Warn().Err(err).Str("artifact", a.Name).Str("path", a.Path).Msg("remove build artifact failed")
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "remove artifact %s", a.Name)
			}
		}
	}
	return firstErr
}

func (b *Info) String() string {
	if b == nil {
		return "<nil>"
	}
	if b.Branch == "" {
		return b.BuildID + "/" + b.Flavor
	}
	return b.Branch + "/" + b.BuildID + "/" + b.Flavor
}
