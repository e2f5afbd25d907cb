package adb

import (
	"context"
	"strings"

	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"

	"github.com/httprunner/TestAgent/pkg/device"
)

// Provider discovers devices and runs shell commands over adb. It implements
// device.Provider and device.PropertyFetcher.
type Provider struct {
	client    gadb.Client
	allowlist map[string]struct{}
	// shell is replaced in tests
	shell func(serial string, args ...string) (string, error)
}

var (
	_ device.Provider        = (*Provider)(nil)
	_ device.PropertyFetcher = (*Provider)(nil)
)

// New creates a Provider backed by the given gadb client. A non-empty
// allowlist restricts discovery to those serials.
func New(client gadb.Client, allowlist ...string) *Provider {
	p := &Provider{client: client, allowlist: buildAllowlistSet(allowlist)}
	p.shell = p.runShell
	return p
}

// NewDefault creates a Provider using a default gadb client.
func NewDefault(allowlist ...string) (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for provider")
	}
	return New(client, allowlist...), nil
}

// NewWithAddress creates a Provider talking to the adb server at host:port.
func NewWithAddress(host string, port int, allowlist ...string) (*Provider, error) {
	client, err := gadb.NewClientWith(host, port)
	if err != nil {
		return nil, errors.Wrapf(err, "init adb client for %s:%d", host, port)
	}
	return New(client, allowlist...), nil
}

// ListDevices returns the serials adb reports online, filtered by the allowlist.
func (p *Provider) ListDevices(ctx context.Context) ([]string, error) {
	states, err := p.ListDevicesWithState(ctx)
	if err != nil {
		return nil, err
	}
	serials := make([]string, 0, len(states))
	for serial, state := range states {
		if state != string(gadb.StateOnline) {
			continue
		}
		serials = append(serials, serial)
	}
	return serials, nil
}

// ListDevicesWithState returns device serials with their raw gadb state names.
func (p *Provider) ListDevicesWithState(ctx context.Context) (map[string]string, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	stateBySerial := make(map[string]string, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" || !p.allowed(serial) {
			continue
		}
		state, err := dev.State()
		if err != nil {
			stateBySerial[serial] = string(gadb.StateUnknown)
			continue
		}
		stateBySerial[serial] = string(state)
	}
	return stateBySerial, nil
}

func (p *Provider) allowed(serial string) bool {
	if len(p.allowlist) == 0 {
		return true
	}
	_, ok := p.allowlist[serial]
	return ok
}

// FetchProperties reads the static properties of a newly discovered device.
func (p *Provider) FetchProperties(ctx context.Context, serial string) (device.Properties, error) {
	out, err := p.shell(serial, "getprop")
	if err != nil {
		return device.Properties{}, errors.Wrapf(err, "getprop on %s", serial)
	}
	props := PropertiesFromGetprop(ParseGetprop(out))
	if rootOut, err := p.shell(serial, "su", "-c", "id"); err == nil && strings.Contains(rootOut, "uid=0") {
		props.Extra["root"] = "true"
	} else {
		props.Extra["root"] = "false"
	}
	return props, nil
}

// RunShell executes a shell command on the given device serial.
func (p *Provider) RunShell(serial string, args ...string) (string, error) {
	if p == nil {
		return "", errors.New("adb provider is nil")
	}
	return p.shell(serial, args...)
}

func (p *Provider) runShell(serial string, args ...string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("adb provider: empty shell command")
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return "", errors.Wrap(err, "list adb devices")
	}
	target := strings.TrimSpace(serial)
	for _, d := range devs {
		if d == nil {
			continue
		}
		if strings.TrimSpace(d.Serial()) == target {
			return d.RunShellCommand(args[0], args[1:]...)
		}
	}
	return "", &device.NotAvailableError{Serial: target, Reason: "not found by adb"}
}

// ParseGetprop parses `getprop` output lines of the form "[key]: [value]".
func ParseGetprop(out string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") {
			continue
		}
		key, rest, ok := strings.Cut(line[1:], "]: [")
		if !ok || !strings.HasSuffix(rest, "]") {
			continue
		}
		props[key] = strings.TrimSuffix(rest, "]")
	}
	return props
}

// extraProps are copied into Properties.Extra for allocation criteria.
var extraProps = map[string]string{
	"ro.build.version.sdk":     "sdk",
	"ro.product.cpu.abi":       "abi",
	"ro.product.model":         "model",
	"ro.product.brand":         "brand",
	"ro.build.type":            "build_type",
	"ro.build.characteristics": "characteristics",
}

// PropertiesFromGetprop maps getprop keys onto device properties.
func PropertiesFromGetprop(raw map[string]string) device.Properties {
	props := device.Properties{
		Product:     firstNonEmpty(raw["ro.product.name"], raw["ro.build.product"]),
		Variant:     raw["ro.product.device"],
		BuildID:     raw["ro.build.id"],
		BuildFlavor: firstNonEmpty(raw["ro.build.flavor"], raw["ro.build.type"]),
		OSVersion:   raw["ro.build.version.release"],
		Extra:       make(map[string]string),
	}
	for key, name := range extraProps {
		if v := strings.TrimSpace(raw[key]); v != "" {
			props.Extra[name] = v
		}
	}
	return props
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
