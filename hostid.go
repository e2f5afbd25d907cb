package testagent

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

var (
	hostUUIDOnce  sync.Once
	hostUUIDValue string
)

// HostUUID returns a best-effort hardware id of this host, reported as the
// provider of every device it serves. The lookup runs once per process.
func HostUUID() string {
	hostUUIDOnce.Do(func() {
		hostUUIDValue, _ = lookupHostUUID()
	})
	return hostUUIDValue
}

// lookupHostUUID asks system_profiler on macOS and reads machine-id or the
// DMI product uuid on Linux.
func lookupHostUUID() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		out, err := exec.CommandContext(ctx, "bash", "-c", "system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'").Output()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(out)), nil
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/sys/class/dmi/id/product_uuid"} {
			if id, err := readTrimmed(path); err == nil && id != "" {
				return id, nil
			}
		}
		return "", nil
	default:
		return "", nil
	}
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
