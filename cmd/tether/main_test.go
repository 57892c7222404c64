package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCmd_HasSubcommands(t *testing.T) {
	cmd := newRootCmd()
	subs := make(map[string]bool)
	for _, c := range cmd.Commands() {
		subs[c.Name()] = true
	}
	for _, expected := range []string{"version", "daemon", "status", "pair"} {
		if !subs[expected] {
			t.Errorf("expected subcommand %q", expected)
		}
	}
}

func TestVersionCmd_Output(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "tether") {
		t.Errorf("version output = %q, want to mention 'tether'", out)
	}
	if !strings.Contains(out, Version) {
		t.Errorf("version output = %q, want to contain %q", out, Version)
	}
}

func TestDaemonCmd_Flags(t *testing.T) {
	cmd := newDaemonCmd()
	cfgFlag := cmd.Flags().Lookup("config")
	if cfgFlag == nil {
		t.Fatal("expected --config flag")
	}
	if cfgFlag.DefValue != "tether.yaml" {
		t.Errorf("--config default = %q, want %q", cfgFlag.DefValue, "tether.yaml")
	}
}

func TestDaemonCmd_MissingConfig(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"daemon", "--config", "/nonexistent/tether.yaml"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain 'load config'", err.Error())
	}
}

func TestStatusCmd_MissingConfig(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"status", "--config", "/nonexistent/tether.yaml"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestPairCmd_HasSubcommands(t *testing.T) {
	cmd := newPairCmd()
	subs := make(map[string]bool)
	for _, c := range cmd.Commands() {
		subs[c.Name()] = true
	}
	for _, expected := range []string{"show", "revoke"} {
		if !subs[expected] {
			t.Errorf("expected subcommand %q", expected)
		}
	}
}

func TestExecute_ReturnsExitCode(t *testing.T) {
	ok := newRootCmd()
	ok.SetOut(new(bytes.Buffer))
	ok.SetErr(new(bytes.Buffer))
	ok.SetArgs([]string{"version"})
	if code := execute(ok); code != 0 {
		t.Errorf("execute(version) = %d, want 0", code)
	}

	bad := newRootCmd()
	bad.SetOut(new(bytes.Buffer))
	bad.SetErr(new(bytes.Buffer))
	bad.SetArgs([]string{"daemon", "--config", "/nonexistent/tether.yaml"})
	if code := execute(bad); code != 1 {
		t.Errorf("execute(bad daemon) = %d, want 1", code)
	}
}
