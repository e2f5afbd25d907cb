package main

import (
	"github.com/rs/zerolog/log"

	"github.com/httprunner/TestAgent/internal/config"
	"github.com/httprunner/TestAgent/internal/providers/adb"
	"github.com/httprunner/TestAgent/pkg/device"
)

type poolOptions struct {
	noADB       bool
	nullDevices int
	allowlist   string
}

// newPool builds the device pool. The adb provider is also returned so
// shell commands can reach real devices; it is nil with --no-adb.
func newPool(opts poolOptions, observers ...device.Observer) (*device.Pool, *adb.Provider, error) {
	cfg := device.PoolConfig{NullDevices: opts.nullDevices, Observers: observers}
	if opts.noADB {
		return device.NewPool(cfg), nil, nil
	}
	allowlist := adb.ParseAllowlist(opts.allowlist)
	if len(allowlist) == 0 {
		allowlist = config.Strings(config.KeyDeviceAllowlist)
	}
	var (
		provider *adb.Provider
		err      error
	)
	if host := config.String(config.KeyADBHost, ""); host != "" {
		provider, err = adb.NewWithAddress(host, config.Int(config.KeyADBPort, 5037), allowlist...)
	} else {
		provider, err = adb.NewDefault(allowlist...)
	}
	if err != nil {
		return nil, nil, err
	}
	if len(allowlist) > 0 {
		log.Info().Strs("allowlist", allowlist).Msg("device allowlist enabled")
	}
	cfg.Provider = provider
	return device.NewPool(cfg), provider, nil
}
