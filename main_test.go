package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    options
		wantErr string
	}{
		{
			name: "no arguments shows help",
			args: nil,
			want: options{command: "help", config: "config.yaml", logfile: "adsync.log"},
		},
		{
			name: "options after command",
			args: []string{"publish", "--ads=1,2", "--keep-old", "-v"},
			want: options{command: "publish", ads: "1,2", keepOld: true, verbose: true, config: "config.yaml", logfile: "adsync.log"},
		},
		{
			name: "options before command with separate values",
			args: []string{"--config", "ads/config.yaml", "--logfile", "", "download"},
			want: options{command: "download", config: "ads/config.yaml", logfile: ""},
		},
		{
			name: "force selects all",
			args: []string{"--force", "publish"},
			want: options{command: "publish", ads: "all", config: "config.yaml", logfile: "adsync.log"},
		},
		{
			name: "selector is normalized",
			args: []string{"download", "--ads= NEW "},
			want: options{command: "download", ads: "new", config: "config.yaml", logfile: "adsync.log"},
		},
		{
			name: "help flag wins",
			args: []string{"publish", "--help", "--bogus"},
			want: options{command: "help", config: "config.yaml", logfile: "adsync.log"},
		},
		{
			name:    "two commands",
			args:    []string{"publish", "delete"},
			wantErr: "more than one command",
		},
		{
			name:    "unknown command",
			args:    []string{"frobnicate"},
			wantErr: "unknown command",
		},
		{
			name:    "unknown option",
			args:    []string{"publish", "--lang=de"},
			wantErr: "not recognized",
		},
		{
			name:    "missing value",
			args:    []string{"publish", "--config"},
			wantErr: "requires argument",
		},
		{
			name:    "flag with value",
			args:    []string{"publish", "--keep-old=yes"},
			wantErr: "must not have an argument",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("parseArgs() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseArgs() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("parseArgs() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRunExitCodes(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"publish", "delete"}, strings.NewReader(""), &stdout, &stderr); code != 2 {
		t.Errorf("two commands exit = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "more than one command") {
		t.Errorf("stderr = %q", stderr.String())
	}

	stdout.Reset()
	if code := run(nil, strings.NewReader(""), &stdout, &stderr); code != 0 || !strings.Contains(stdout.String(), "Usage: adsync COMMAND") {
		t.Errorf("help exit = %d, output %q", code, stdout.String())
	}

	stdout.Reset()
	if code := run([]string{"version"}, strings.NewReader(""), &stdout, &stderr); code != 0 || strings.TrimSpace(stdout.String()) != version {
		t.Errorf("version exit = %d, output %q", code, stdout.String())
	}
}

func TestRunVerify(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("ad_files:\n  - \"./**/ad_*.yaml\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	good := `active: true
title: Rennrad 28 Zoll, guter Zustand
description: Gut erhaltenes Rennrad.
category: "210/217"
price: 150
price_type: NEGOTIABLE
shipping_type: PICKUP
contact:
  name: Max
republication_interval: 7
`
	if err := os.WriteFile(filepath.Join(dir, "ad_bike.yaml"), []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}

	logfile := filepath.Join(dir, "adsync.log")
	var stdout, stderr bytes.Buffer
	code := run([]string{"verify", "--config", cfgPath, "--logfile=" + logfile}, strings.NewReader(""), &stdout, &stderr)
	if code != 0 {
		t.Fatalf("verify exit = %d, log:\n%s", code, stderr.String())
	}
	data, err := os.ReadFile(logfile)
	if err != nil {
		t.Fatalf("logfile not written: %v", err)
	}
	if !strings.Contains(string(data), "No configuration errors found") {
		t.Errorf("logfile missing verify result:\n%s", data)
	}

	bad := strings.Replace(good, "price_type: NEGOTIABLE", "price_type: GIVE_AWAY", 1)
	if err := os.WriteFile(filepath.Join(dir, "ad_bad.yaml"), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	stderr.Reset()
	if code := run([]string{"verify", "--config=" + cfgPath, "--logfile="}, strings.NewReader(""), &stdout, &stderr); code != 1 {
		t.Errorf("verify with invalid ad exit = %d, want 1", code)
	}
}

func TestNewLoggerVerbose(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := newLogger(&buf, "", true)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	logger.Debug("debug line", "k", "v")
	if !strings.Contains(buf.String(), "debug line") {
		t.Errorf("debug output missing: %q", buf.String())
	}

	buf.Reset()
	logger, closeFn2, err := newLogger(&buf, "", false)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn2()
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug logged at info level: %q", buf.String())
	}
}
