// Package result holds the test result event model and the listener plumbing
// used to fan out, buffer and replay invocation event streams.
package result

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// TestIdentifier names one test case. It is comparable and used as a map key.
type TestIdentifier struct {
	ClassName string
	TestName  string
}

// NewTestID builds an identifier.
func NewTestID(className, testName string) TestIdentifier {
	return TestIdentifier{ClassName: className, TestName: testName}
}

func (id TestIdentifier) String() string {
	return fmt.Sprintf("%s#%s", id.ClassName, id.TestName)
}

// Metrics is a string map that keeps insertion order.
type Metrics struct {
	keys   []string
	values map[string]string
}

// NewMetrics builds metrics from alternating key/value pairs.
func NewMetrics(kv ...string) Metrics {
	var m Metrics
	for i := 0; i+1 < len(kv); i += 2 {
		m.Put(kv[i], kv[i+1])
	}
	return m
}

// Put sets key. Existing keys keep their position.
func (m *Metrics) Put(key, value string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value of key.
func (m Metrics) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Keys returns keys in insertion order.
func (m Metrics) Keys() []string {
	return append([]string(nil), m.keys...)
}

// Len returns the number of entries.
func (m Metrics) Len() int { return len(m.keys) }

// Merge copies other into m; new keys are appended in other's order.
func (m *Metrics) Merge(other Metrics) {
	for _, k := range other.keys {
		m.Put(k, other.values[k])
	}
}

// Clone returns an independent copy.
func (m Metrics) Clone() Metrics {
	var out Metrics
	out.Merge(m)
	return out
}

// Map returns an unordered copy.
func (m Metrics) Map() map[string]string {
	out := make(map[string]string, len(m.keys))
	for _, k := range m.keys {
		out[k] = m.values[k]
	}
	return out
}

// Equal compares entries and order.
func (m Metrics) Equal(other Metrics) bool {
	if len(m.keys) != len(other.keys) {
		return false
	}
	for i, k := range m.keys {
		if other.keys[i] != k || other.values[k] != m.values[k] {
			return false
		}
	}
	return true
}

// LogDataType classifies a log attached through TestLog.
type LogDataType string

const (
	LogText      LogDataType = "text"
	LogLogcat    LogDataType = "logcat"
	LogBugreport LogDataType = "bugreport"
	LogPNG       LogDataType = "png"
	LogZip       LogDataType = "zip"
	LogUnknown   LogDataType = "unknown"
)

// LogSource is a re-openable log payload; replay hands the same source to
// each consumer so every reader gets the full stream.
type LogSource interface {
	Open() (io.ReadCloser, error)
	Size() int64
}

// BytesSource serves an in-memory log.
type BytesSource []byte

func (b BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (b BytesSource) Size() int64 { return int64(len(b)) }

// FileSource serves a log stored on disk.
type FileSource string

func (f FileSource) Open() (io.ReadCloser, error) {
	return os.Open(string(f))
}

func (f FileSource) Size() int64 {
	info, err := os.Stat(string(f))
	if err != nil {
		return 0
	}
	return info.Size()
}

// TestStatus is the terminal state of one test.
type TestStatus string

const (
	StatusIncomplete        TestStatus = "incomplete"
	StatusPassed            TestStatus = "passed"
	StatusFailed            TestStatus = "failed"
	StatusAssumptionFailure TestStatus = "assumption_failure"
	StatusIgnored           TestStatus = "ignored"
)
