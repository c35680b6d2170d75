// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/iprofiler/profiler"
)

const workloadHeader = `
unload = []

[[class]]
name = "App"
shared = true

[[class]]
name = "A"
shared = true

[[class]]
name = "B"
shared = true

[[method]]
class = "App"
name = "run"
ops = ["ifeq", "tableswitch", "invokevirtual", "invokestatic", "checkcast"]

[[method]]
class = "App"
name = "target"
ops = ["nop"]

[[method]]
class = "App"
name = "helper"
ops = ["nop"]
`

// workloadRecords exercises every instruction of App.run count times per thread.
func workloadRecords(count int) string {
	return strings.ReplaceAll(`
[[record]]
method = "App.run"
index = 0
count = COUNT
taken = [true, true, true, false]

[[record]]
method = "App.run"
index = 1
count = COUNT
values = [1, 2, 1]

[[record]]
method = "App.run"
index = 2
count = COUNT
classes = ["A", "A", "B"]
callee = "App.target"

[[record]]
method = "App.run"
index = 3
count = COUNT
callee = "App.helper"

[[record]]
method = "App.run"
index = 4
count = COUNT
classes = ["B"]
`, "COUNT", strconv.Itoa(count))
}

func writeWorkload(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workload.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testConfig(workload, cacheFile string) *Config {
	cfg := &Config{
		Config:        profiler.DefaultConfig(),
		WorkloadFile:  workload,
		CacheFile:     cacheFile,
		CacheBase:     0x10_0000,
		CacheSize:     0x10000,
		CacheCapacity: 1 << 20,
		Threads:       1,
	}
	cfg.DisableWorker = true
	cfg.ProfileAllTheTime = true
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		modify func(cfg *Config)
		err    string
	}{
		"valid": {
			modify: func(*Config) {},
		},
		"no workload": {
			modify: func(cfg *Config) { cfg.WorkloadFile = "" },
			err:    "workload file",
		},
		"no threads": {
			modify: func(cfg *Config) { cfg.Threads = 0 },
			err:    "threads",
		},
		"empty cache region": {
			modify: func(cfg *Config) { cfg.CacheSize = 0 },
			err:    "shared cache size",
		},
		"cache region beyond 32 bit offsets": {
			modify: func(cfg *Config) { cfg.CacheSize = 1 << 33 },
			err:    "shared cache size",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig("workload.toml", "")
			tc.modify(cfg)
			err := cfg.Validate()
			if tc.err == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.err)
		})
	}
}

func TestParseWorkload(t *testing.T) {
	w, err := ParseWorkload([]byte(workloadHeader))
	require.NoError(t, err)
	require.Len(t, w.Classes, 3)
	assert.Equal(t, "app", w.Classes[0].Loader)
	require.Len(t, w.Methods, 3)
	assert.Equal(t, []string{"ifeq", "tableswitch", "invokevirtual", "invokestatic",
		"checkcast"}, w.Methods[0].Ops)

	_, err = ParseWorkload([]byte("[[class]\nname = 1"))
	require.ErrorIs(t, err, ErrInvalidWorkload)
}

func TestInvalidWorkload(t *testing.T) {
	tests := map[string]string{
		"undefined class": `
[[method]]
class = "Missing"
name = "run"
ops = ["nop"]`,
		"unknown opcode": `
[[class]]
name = "App"
[[method]]
class = "App"
name = "run"
ops = ["jsr"]`,
		"undefined method": `
[[record]]
method = "App.missing"
count = 1`,
		"instruction out of range": `
[[class]]
name = "App"
[[method]]
class = "App"
name = "run"
ops = ["ifeq"]
[[record]]
method = "App.run"
index = 1
count = 1`,
		"instruction is not profiled": `
[[class]]
name = "App"
[[method]]
class = "App"
name = "run"
ops = ["nop"]
[[record]]
method = "App.run"
count = 1`,
		"branch without pattern": `
[[class]]
name = "App"
[[method]]
class = "App"
name = "run"
ops = ["ifeq"]
[[record]]
method = "App.run"
count = 1`,
		"direct call without callee": `
[[class]]
name = "App"
[[method]]
class = "App"
name = "run"
ops = ["invokestatic"]
[[record]]
method = "App.run"
count = 1`,
		"undefined receiver class": `
[[class]]
name = "App"
[[method]]
class = "App"
name = "run"
ops = ["checkcast"]
[[record]]
method = "App.run"
count = 1
classes = ["Missing"]`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			c := New(testConfig(writeWorkload(t, content), ""))
			err := c.Start(context.Background())
			require.ErrorIs(t, err, ErrInvalidWorkload)

			var exitErr ErrorWithExitCode
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, exitParseError, exitErr.Code())
			require.NoError(t, c.Shutdown())
		})
	}
}

func TestMissingWorkload(t *testing.T) {
	c := New(testConfig(filepath.Join(t.TempDir(), "missing.toml"), ""))
	err := c.Start(context.Background())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func run(t *testing.T, cfg *Config) string {
	t.Helper()
	var out bytes.Buffer
	c := New(cfg, WithOutput(&out))
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Run(ctx))
	c.Report()
	require.NoError(t, c.Shutdown())
	return out.String()
}

func TestReplay(t *testing.T) {
	cacheFile := filepath.Join(t.TempDir(), "profiles.scc")
	report := run(t, testConfig(writeWorkload(t, workloadHeader+workloadRecords(400)),
		cacheFile))

	lines := strings.Split(strings.TrimSpace(report), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "App.run@0 ifeq: taken=301 not-taken=101", lines[0])
	assert.Equal(t, "App.run@3 tableswitch: sum=401 1=267 2=133", lines[1])
	assert.Contains(t, lines[2], "invokevirtual:")
	assert.Contains(t, lines[2], "total=400")
	assert.Contains(t, lines[2], "dominant=A")
	assert.Contains(t, lines[3], "invokestatic: calls=400")
	assert.Contains(t, lines[4], "checkcast:")
	assert.Contains(t, lines[4], "B=400")

	_, err := os.Stat(cacheFile)
	require.NoError(t, err)

	t.Run("profiles survive a restart", func(t *testing.T) {
		report := run(t, testConfig(writeWorkload(t, workloadHeader+workloadRecords(0)),
			cacheFile))
		lines := strings.Split(strings.TrimSpace(report), "\n")
		require.Len(t, lines, 5)
		assert.Equal(t, "App.run@0 ifeq: taken=301 not-taken=101", lines[0])
		assert.Contains(t, lines[2], "dominant=A")
		// Fan-in data is not persisted.
		assert.Equal(t, "App.run@10 invokestatic: calls=0", lines[3])
	})

	t.Run("corrupt cache file", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.scc")
		require.NoError(t, os.WriteFile(bad, []byte("not a snapshot"), 0o600))
		report := run(t, testConfig(writeWorkload(t, workloadHeader+workloadRecords(0)),
			bad))
		assert.Contains(t, report, "App.run@0 ifeq: no data")
	})
}

func TestUnload(t *testing.T) {
	content := strings.Replace(workloadHeader, "unload = []", `unload = ["App"]`, 1) +
		workloadRecords(400)
	report := run(t, testConfig(writeWorkload(t, content), ""))
	assert.Contains(t, report, "App.run@0 ifeq: no data")

	content = strings.Replace(workloadHeader, "unload = []", `unload = ["Missing"]`, 1)
	c := New(testConfig(writeWorkload(t, content), ""))
	require.NoError(t, c.Start(context.Background()))
	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrInvalidWorkload)
	require.True(t, errors.As(err, new(ErrorWithExitCode)))
	require.NoError(t, c.Shutdown())
}

func TestCancelledRun(t *testing.T) {
	c := New(testConfig(writeWorkload(t, workloadHeader+workloadRecords(400)), ""))
	require.NoError(t, c.Start(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.Run(ctx), context.Canceled)
	require.NoError(t, c.Shutdown())
}
