package main

import (
	"bytes"
	"strings"
	"testing"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestDecodeCommand(t *testing.T) {
	// 23-byte frame: elapsed 1:30, every pair (1,11) = 10, gear 5.
	frame := "f0a54401" + "021f" + strings.Repeat("010b", 6) + "0000" + "06" + "0000"
	out, err := runCmd(t, "decode", frame)
	if err != nil {
		t.Fatalf("decode error = %v", err)
	}
	for _, want := range []string{`"elapsedSeconds":90`, `"powerWatts":10`, `"gearLevel":5`, "ftms rower data:", "ftms indoor bike data:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDecodeCommandShortFrame(t *testing.T) {
	out, err := runCmd(t, "decode", "f0 a5 44")
	if err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if !strings.Contains(out, "raw only") || !strings.Contains(out, `"rawHex":"f0a544"`) {
		t.Errorf("output = %s", out)
	}
}

func TestDecodeCommandRejectsBadHex(t *testing.T) {
	if _, err := runCmd(t, "decode", "zz"); err == nil {
		t.Error("decode accepted non-hex input")
	}
}

func TestReadConfigFallsBackToDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, source, err := readConfig("")
	if err != nil {
		t.Fatalf("readConfig() error = %v", err)
	}
	if source != "defaults" || cfg.FTMS.Profile != "rower" {
		t.Errorf("readConfig() = %q, %+v", source, cfg.FTMS)
	}
}

func TestInitWritesConfigOnce(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	out, err := runCmd(t, "init")
	if err != nil || !strings.Contains(out, "wrote ") {
		t.Fatalf("first init = %q, %v", out, err)
	}
	out, err = runCmd(t, "init")
	if err != nil || !strings.Contains(out, "already exists") {
		t.Errorf("second init = %q, %v", out, err)
	}
}
