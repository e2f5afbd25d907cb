package adb

import (
	"context"
	"errors"
	"strings"
	"testing"
)

const sampleGetprop = `[ro.build.id]: [UQ1A.240205.004]
[ro.build.flavor]: [panther-userdebug]
[ro.build.version.release]: [14]
[ro.build.version.sdk]: [34]
[ro.product.name]: [panther]
[ro.product.device]: [panther]
[ro.product.cpu.abi]: [arm64-v8a]
[persist.sys.locale]: [en-US]
garbage line
[broken]: value`

func TestParseGetprop(t *testing.T) {
	props := ParseGetprop(sampleGetprop)
	if got := props["ro.build.id"]; got != "UQ1A.240205.004" {
		t.Fatalf("ro.build.id: got %q", got)
	}
	if _, ok := props["broken"]; ok {
		t.Fatalf("malformed line should be skipped")
	}
	if len(props) != 8 {
		t.Fatalf("expected 8 properties, got %d: %v", len(props), props)
	}
}

func TestFetchPropertiesUsesShell(t *testing.T) {
	var calls []string
	p := &Provider{}
	p.shell = func(serial string, args ...string) (string, error) {
		calls = append(calls, serial+":"+strings.Join(args, " "))
		switch args[0] {
		case "getprop":
			return sampleGetprop, nil
		case "su":
			return "uid=0(root) gid=0(root)", nil
		}
		return "", errors.New("unexpected command")
	}

	props, err := p.FetchProperties(context.Background(), "SER1")
	if err != nil {
		t.Fatalf("FetchProperties: %v", err)
	}
	if props.Product != "panther" || props.Variant != "panther" || props.OSVersion != "14" {
		t.Fatalf("unexpected properties: %+v", props)
	}
	if props.BuildID != "UQ1A.240205.004" || props.BuildFlavor != "panther-userdebug" {
		t.Fatalf("unexpected build properties: %+v", props)
	}
	if props.Extra["sdk"] != "34" || props.Extra["abi"] != "arm64-v8a" || props.Extra["root"] != "true" {
		t.Fatalf("unexpected extra properties: %v", props.Extra)
	}
	if len(calls) != 2 || calls[0] != "SER1:getprop" {
		t.Fatalf("unexpected shell calls: %v", calls)
	}
}

func TestFetchPropertiesPropagatesShellError(t *testing.T) {
	p := &Provider{}
	p.shell = func(serial string, args ...string) (string, error) {
		return "", errors.New("device offline")
	}
	if _, err := p.FetchProperties(context.Background(), "SER1"); err == nil {
		t.Fatalf("expected getprop failure to be returned")
	}
}

func TestParseAllowlist(t *testing.T) {
	got := ParseAllowlist(" A,B;A |C\nD ")
	want := []string{"A", "B", "C", "D"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("ParseAllowlist: got %v want %v", got, want)
	}
	if ParseAllowlist("  ") != nil {
		t.Fatalf("expected nil for empty allowlist")
	}

	p := &Provider{allowlist: buildAllowlistSet(got)}
	if !p.allowed("C") || p.allowed("E") {
		t.Fatalf("allowlist membership mismatch")
	}
	if !(&Provider{}).allowed("anything") {
		t.Fatalf("empty allowlist must allow every serial")
	}
}
