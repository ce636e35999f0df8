package scriptd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
}

func TestFacadeStartStatusStop(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "hello.sh", "echo hi\n")
	writeScript(t, dir, "long.sh", "sleep 60\n")

	m, err := New(dir, Options{LogsDir: t.TempDir(), UseOSEnv: true, GracePeriod: 2 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if len(m.Scripts()) != 2 {
		t.Fatalf("scripts: %+v", m.Scripts())
	}

	rec, err := m.Start(StartRequest{ScriptID: "long.sh"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err := m.Get(rec.RunID)
	if err != nil || got.State != StateRunning {
		t.Fatalf("get: %+v err=%v", got, err)
	}

	stopped, err := m.Stop(rec.RunID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.State != StateStopped {
		t.Fatalf("state: %s", stopped.State)
	}
}

func TestFacadeLogsAndRescan(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "hello.sh", "echo facade\n")

	m, err := New(dir, Options{LogsDir: t.TempDir(), UseOSEnv: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rec, err := m.Start(StartRequest{ScriptID: "hello.sh"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := m.Get(rec.RunID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State == StateExited {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run stuck in %s", got.State)
		}
		time.Sleep(20 * time.Millisecond)
	}

	logs, err := m.ReadLogs(rec.RunID, "stdout", 0)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if !strings.Contains(logs.Stdout, "facade") {
		t.Fatalf("stdout: %q", logs.Stdout)
	}

	writeScript(t, dir, "new.sh", "true\n")
	snap, err := m.Rescan()
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("after rescan: %+v", snap)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen == "" || cfg.BasePath != "/v1" {
		t.Fatalf("config: %+v", cfg)
	}
}
