package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/TestAgent/internal/env"
)

// Environment keys read by the agent.
const (
	KeyDBPath              = "TESTAGENT_DB_PATH"
	KeyAllocationTimeout   = "TESTAGENT_ALLOCATION_TIMEOUT"
	KeyAllocationAttempts  = "TESTAGENT_ALLOCATION_ATTEMPTS"
	KeyMaxInvocations      = "TESTAGENT_MAX_INVOCATIONS"
	KeyRefreshInterval     = "TESTAGENT_REFRESH_INTERVAL"
	KeyNullDevices         = "TESTAGENT_NULL_DEVICES"
	KeyRequeueOnDeviceLoss = "TESTAGENT_REQUEUE_ON_DEVICE_LOSS"
	KeyADBHost             = "ADB_SERVER_HOST"
	KeyADBPort             = "ADB_SERVER_PORT"
	KeyDeviceAllowlist     = "TESTAGENT_DEVICE_ALLOWLIST"
	KeyReportInterval      = "TESTAGENT_REPORT_INTERVAL"
	KeyReportBatch         = "TESTAGENT_REPORT_BATCH"
	KeyReportTimeout       = "TESTAGENT_REPORT_TIMEOUT"
	KeyFeishuAppID         = "FEISHU_APP_ID"
	KeyFeishuAppSecret     = "FEISHU_APP_SECRET"
	KeyFeishuBaseURL       = "FEISHU_BASE_URL"
	KeyDeviceBitableURL    = "DEVICE_BITABLE_URL"
	KeyResultBitableURL    = "RESULT_BITABLE_URL"
)

var ensureOnce sync.Once

func ensureEnvLoaded() {
	ensureOnce.Do(func() {
		_ = env.Ensure()
	})
}

// String returns the trimmed environment variable or fallback when unset.
func String(key, fallback string) string {
	ensureEnvLoaded()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

// Strings splits a comma separated variable, dropping empty entries.
func Strings(key string) []string {
	raw := String(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Duration parses a time duration from environment or returns fallback.
func Duration(key string, fallback time.Duration) time.Duration {
	ensureEnvLoaded()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// Int returns an integer environment variable or fallback when invalid.
func Int(key string, fallback int) int {
	ensureEnvLoaded()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// Bool parses a boolean environment variable.
func Bool(key string, fallback bool) bool {
	ensureEnvLoaded()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		switch strings.ToLower(val) {
		case "1", "true", "yes":
			return true
		case "0", "false", "no":
			return false
		}
	}
	return fallback
}
