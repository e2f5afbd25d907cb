package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/TestAgent/pkg/device"
)

// RetrievalError marks a failure to obtain a build. It never reaches device setup.
type RetrievalError struct {
	BuildID string
	Err     error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieve build %s: %v", e.BuildID, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// LocalConfig describes a build assembled from files already on the host.
type LocalConfig struct {
	BuildID string
	Flavor  string
	Branch  string
	// Artifacts maps artifact name to host path.
	Artifacts map[string]string
	// StageDir, when set, copies every artifact into a fresh directory below it.
	// Staged copies are owned by the build and removed on cleanup.
	StageDir string
}

// LocalProvider serves builds from host files.
type LocalProvider struct {
	cfg LocalConfig
}

// NewLocalProvider validates cfg and returns a provider.
func NewLocalProvider(cfg LocalConfig) (*LocalProvider, error) {
	cfg.BuildID = strings.TrimSpace(cfg.BuildID)
	if cfg.BuildID == "" {
		cfg.BuildID = "0"
	}
	if cfg.Flavor == "" {
		cfg.Flavor = "local"
	}
	return &LocalProvider{cfg: cfg}, nil
}

// FetchBuild returns a fresh build for dev. Missing artifact files are retrieval errors.
func (p *LocalProvider) FetchBuild(ctx context.Context, dev *device.Device) (*Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, &RetrievalError{BuildID: p.cfg.BuildID, Err: err}
	}
	info := NewInfo(p.cfg.BuildID, p.cfg.Flavor, p.cfg.Branch)
	names := make([]string, 0, len(p.cfg.Artifacts))
	for name := range p.cfg.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)

	var stage string
	if p.cfg.StageDir != "" && len(names) > 0 {
		if err := os.MkdirAll(p.cfg.StageDir, 0o755); err != nil {
			return nil, &RetrievalError{BuildID: p.cfg.BuildID, Err: errors.Wrap(err, "create stage dir")}
		}
		dir, err := os.MkdirTemp(p.cfg.StageDir, "build-"+sanitize(dev.Serial())+"-")
		if err != nil {
			return nil, &RetrievalError{BuildID: p.cfg.BuildID, Err: errors.Wrap(err, "create stage dir")}
		}
		stage = dir
		info.AddArtifact(Artifact{Name: ".stage", Path: dir, Owned: true})
	}

	for _, name := range names {
		src := p.cfg.Artifacts[name]
		if _, err := os.Stat(src); err != nil {
			_ = info.CleanUp()
			return nil, &RetrievalError{BuildID: p.cfg.BuildID, Err: errors.Wrapf(err, "artifact %s", name)}
		}
		if stage == "" {
			info.AddArtifact(Artifact{Name: name, Path: src})
			continue
		}
		// one directory per artifact so equal base names cannot collide
		dir := filepath.Join(stage, sanitize(name))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = info.CleanUp()
			return nil, &RetrievalError{BuildID: p.cfg.BuildID, Err: errors.Wrapf(err, "stage artifact %s", name)}
		}
		dst := filepath.Join(dir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			_ = info.CleanUp()
			return nil, &RetrievalError{BuildID: p.cfg.BuildID, Err: errors.Wrapf(err, "stage artifact %s", name)}
		}
		info.AddArtifact(Artifact{Name: name, Path: dst, Owned: true})
	}
	log.Debug().Str("serial", dev.Serial()).Str("build", info.String()).Int("artifacts", len(names)).Msg("build fetched")
	return info, nil
}

// CleanUp releases the build.
func (p *LocalProvider) CleanUp(info *Info) {
	if err := info.CleanUp(); err != nil {
		log.Warn().Err(err).Str("build", info.String()).Msg("build cleanup failed")
	}
}

// ExistingProvider hands out an already fetched build. The first fetch
// transfers the held reference, later fetches get clones.
type ExistingProvider struct {
	mu      sync.Mutex
	info    *Info
	handed  bool
	dropped bool
}

// NewExistingProvider takes ownership of info.
func NewExistingProvider(info *Info) *ExistingProvider {
	return &ExistingProvider{info: info}
}

func (p *ExistingProvider) FetchBuild(ctx context.Context, dev *device.Device) (*Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.info == nil || p.dropped {
		return nil, &RetrievalError{BuildID: "existing", Err: errors.New("no build held")}
	}
	if !p.handed {
		p.handed = true
		return p.info, nil
	}
	return p.info.Clone(), nil
}

func (p *ExistingProvider) CleanUp(info *Info) {
	if err := info.CleanUp(); err != nil {
		log.Warn().Err(err).Str("build", info.String()).Msg("build cleanup failed")
	}
}

// Discard releases the held build if it was never handed out.
func (p *ExistingProvider) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handed || p.dropped || p.info == nil {
		return
	}
	p.dropped = true
	_ = p.info.CleanUp()
}

// DeviceSetProvider serves one already fetched build per device slot name,
// so every slot of a multi-device configuration keeps its own build.
type DeviceSetProvider struct {
	slots map[string]*ExistingProvider
}

// NewDeviceSetProvider takes ownership of every build in builds.
func NewDeviceSetProvider(builds map[string]*Info) *DeviceSetProvider {
	slots := make(map[string]*ExistingProvider, len(builds))
	for name, info := range builds {
		slots[name] = NewExistingProvider(info)
	}
	return &DeviceSetProvider{slots: slots}
}

// FetchDeviceBuild returns the build held for the named slot.
func (p *DeviceSetProvider) FetchDeviceBuild(ctx context.Context, name string, dev *device.Device) (*Info, error) {
	slot, ok := p.slots[name]
	if !ok {
		return nil, &RetrievalError{BuildID: "existing", Err: errors.Errorf("no build held for device %q", name)}
	}
	return slot.FetchBuild(ctx, dev)
}

// FetchBuild fails: builds are keyed by slot name, use FetchDeviceBuild.
func (p *DeviceSetProvider) FetchBuild(ctx context.Context, dev *device.Device) (*Info, error) {
	return nil, &RetrievalError{BuildID: "existing", Err: errors.New("device slot name required")}
}

func (p *DeviceSetProvider) CleanUp(info *Info) {
	if err := info.CleanUp(); err != nil {
		log.Warn().Err(err).Str("build", info.String()).Msg("build cleanup failed")
	}
}

// Discard releases every build that was never handed out.
func (p *DeviceSetProvider) Discard() {
	for _, slot := range p.slots {
		slot.Discard()
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func sanitize(s string) string {
	if s == "" {
		return "host"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
