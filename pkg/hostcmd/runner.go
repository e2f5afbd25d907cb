// Package hostcmd builds invocation configurations from command-line style
// arguments. Setup, teardown and test steps are shell commands run on the
// allocated device over adb, or on the host for placeholder devices.
package hostcmd

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"

	"github.com/httprunner/TestAgent/pkg/build"
	"github.com/httprunner/TestAgent/pkg/device"
)

// DeviceShell runs a command on a device. The adb provider implements it.
type DeviceShell interface {
	RunShell(serial string, args ...string) (string, error)
}

// Runner executes expanded command lines for a device.
type Runner struct {
	Shell DeviceShell
	// Host runs argv on the host; replaced in tests.
	Host func(ctx context.Context, env []string, argv []string) (string, error)
}

// Run expands cmdline for dev and info, splits it like a POSIX shell and
// runs it on the device, or on the host when dev is a placeholder.
func (r *Runner) Run(ctx context.Context, dev *device.Device, info *build.Info, cmdline string) (string, error) {
	expanded := Expand(cmdline, dev, info)
	argv, err := shellquote.Split(expanded)
	if err != nil {
		return "", errors.Wrapf(err, "parse command %q", cmdline)
	}
	if len(argv) == 0 {
		return "", errors.Errorf("empty command %q", cmdline)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if dev == nil || dev.IsStub() || r.Shell == nil {
		host := r.Host
		if host == nil {
			host = runHost
		}
		return host(ctx, hostEnv(dev, info), argv)
	}
	out, err := r.Shell.RunShell(dev.Serial(), argv...)
	if err != nil {
		if device.IsNotAvailable(err) {
			return out, err
		}
		// adb failures while the pool considers the device gone are device loss
		if availErr := dev.CheckAvailable(); availErr != nil {
			return out, availErr
		}
		return out, errors.Wrapf(err, "run %q on %s", expanded, dev.Serial())
	}
	return out, nil
}

func runHost(ctx context.Context, env []string, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return buf.String(), errors.Wrapf(err, "run %s", shellquote.Join(argv...))
	}
	return buf.String(), nil
}

func hostEnv(dev *device.Device, info *build.Info) []string {
	var env []string
	if dev != nil {
		env = append(env, "TESTAGENT_SERIAL="+dev.Serial())
	}
	if info != nil {
		env = append(env, "TESTAGENT_BUILD_ID="+info.BuildID, "TESTAGENT_BUILD_FLAVOR="+info.Flavor)
	}
	return env
}

// Expand substitutes ${serial}, ${build_id}, ${build_flavor}, ${branch} and
// ${artifact:NAME}. Values are shell-quoted so each stays a single argument
// after splitting; do not wrap the variables in quotes yourself. Unknown or
// empty variables expand to nothing.
func Expand(cmdline string, dev *device.Device, info *build.Info) string {
	return os.Expand(cmdline, func(key string) string {
		if val := lookupVar(key, dev, info); val != "" {
			return shellquote.Join(val)
		}
		return ""
	})
}

func lookupVar(key string, dev *device.Device, info *build.Info) string {
	switch {
	case key == "serial":
		if dev != nil {
			return dev.Serial()
		}
	case key == "build_id":
		if info != nil {
			return info.BuildID
		}
	case key == "build_flavor":
		if info != nil {
			return info.Flavor
		}
	case key == "branch":
		if info != nil {
			return info.Branch
		}
	case strings.HasPrefix(key, "artifact:"):
		if info != nil {
			if a, ok := info.Artifact(strings.TrimPrefix(key, "artifact:")); ok {
				return a.Path
			}
		}
	}
	return ""
}
