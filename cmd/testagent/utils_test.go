package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httprunner/TestAgent/pkg/storage"
)

func TestReadCommandLines(t *testing.T) {
	input := `
# smoke suite
--name smoke --test "boot=getprop sys.boot_completed"

--name host --null-device --test 'echo=echo hi there'
`
	commands, err := readCommandLines(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, commands, 2)
	assert.Equal(t, []string{"--name", "smoke", "--test", "boot=getprop sys.boot_completed"}, commands[0])
	assert.Equal(t, []string{"--name", "host", "--null-device", "--test", "echo=echo hi there"}, commands[1])
}

func TestReadCommandLinesReportsLine(t *testing.T) {
	_, err := readCommandLines(strings.NewReader("--name ok\n--name \"unterminated\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestCollectCommands(t *testing.T) {
	file := filepath.Join(t.TempDir(), "commands.txt")
	require.NoError(t, os.WriteFile(file, []byte("--name from-file --test a=true\n"), 0o644))

	commands, err := collectCommands(
		[]string{"--name flag --test 'b=echo b'", "  "},
		file,
		[]string{"--name", "args", "--test", "c=true"},
	)
	require.NoError(t, err)
	require.Len(t, commands, 3)
	assert.Equal(t, "flag", commands[0][1])
	assert.Equal(t, "from-file", commands[1][1])
	assert.Equal(t, "args", commands[2][1])

	_, err = collectCommands(nil, filepath.Join(t.TempDir(), "missing.txt"), nil)
	assert.Error(t, err)
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "  ", " b ", "c"))
	assert.Equal(t, "", firstNonEmpty())
}

func TestWriteInvocations(t *testing.T) {
	var buf bytes.Buffer
	err := writeInvocations(&buf, []storage.InvocationRow{{
		ID:             "inv-1",
		Config:         "smoke",
		State:          "failed",
		ShardIndex:     1,
		ShardCount:     2,
		Serials:        []string{"A", "B"},
		StartAt:        time.Now(),
		ElapsedSeconds: 3,
		Passed:         1,
		Total:          2,
		ErrorClass:     "device_lost",
	}})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "inv-1")
	assert.Contains(t, out, "1/2")
	assert.Contains(t, out, "A,B")
	assert.Contains(t, out, "device_lost")
}
