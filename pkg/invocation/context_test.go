package invocation

import (
	"context"
	"reflect"
	"testing"

	"github.com/httprunner/TestAgent/pkg/build"
	"github.com/httprunner/TestAgent/pkg/device"
)

func TestContextDevicesAndBuilds(t *testing.T) {
	pool := device.NewPool(device.PoolConfig{})
	defer pool.Close()
	pool.AddDevice("A", device.Properties{})
	pool.AddDevice("B", device.Properties{})
	devs, err := pool.AllocateAll(context.Background(), []device.Criteria{{Serials: []string{"A"}}, {Serials: []string{"B"}}}, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	ictx := New()
	if ictx.ID() == "" {
		t.Fatalf("expected generated invocation id")
	}
	if err := ictx.AddDevice("device0", devs[0]); err != nil {
		t.Fatalf("add device: %v", err)
	}
	if err := ictx.AddDevice("device0", devs[1]); err == nil {
		t.Fatalf("duplicate device name should fail")
	}
	if err := ictx.AddDevice("device1", devs[1]); err != nil {
		t.Fatalf("add device: %v", err)
	}
	if got := ictx.Serials(); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("unexpected serial order %v", got)
	}

	if ictx.BuildsComplete() {
		t.Fatalf("builds should be incomplete before fetch")
	}
	if err := ictx.AddBuild("device9", build.NewInfo("1", "f", "")); err == nil {
		t.Fatalf("build for unknown device should fail")
	}
	b0 := build.NewInfo("1", "f", "")
	b1 := build.NewInfo("2", "f", "")
	_ = ictx.AddBuild("device0", b0)
	_ = ictx.AddBuild("device1", b1)
	second := build.NewInfo("3", "f", "")
	if err := ictx.AddBuild("device1", second); err == nil {
		t.Fatalf("second build for device1 should be rejected")
	}
	if ictx.Build("device1") != b1 || second.Released() {
		t.Fatalf("rejected build must not replace or release anything")
	}
	if !ictx.BuildsComplete() {
		t.Fatalf("builds should be complete")
	}
	if ictx.BuildFor(devs[1]) != b1 {
		t.Fatalf("wrong build for device1")
	}
	dropped := ictx.DropBuilds()
	if len(dropped) != 2 || dropped[0] != b0 || dropped[1] != b1 {
		t.Fatalf("unexpected dropped builds %v", dropped)
	}
	if ictx.Build("device0") != nil {
		t.Fatalf("builds should be detached")
	}
}

func TestAttributesKeepInsertionOrder(t *testing.T) {
	attrs := NewAttributes()
	attrs.Add("zeta", "1")
	attrs.Add("alpha", "2")
	attrs.Add("zeta", "3")

	if got := attrs.Keys(); !reflect.DeepEqual(got, []string{"zeta", "alpha"}) {
		t.Fatalf("unexpected key order %v", got)
	}
	if got := attrs.Get("zeta"); !reflect.DeepEqual(got, []string{"1", "3"}) {
		t.Fatalf("unexpected values %v", got)
	}

	other := NewAttributes()
	other.Add("beta", "x")
	other.Add("zeta", "4")
	attrs.Merge(other)
	if got := attrs.Keys(); !reflect.DeepEqual(got, []string{"zeta", "alpha", "beta"}) {
		t.Fatalf("unexpected merged key order %v", got)
	}
	if got := attrs.Get("zeta"); !reflect.DeepEqual(got, []string{"1", "3", "4"}) {
		t.Fatalf("unexpected merged values %v", got)
	}
	if attrs.First("beta") != "x" {
		t.Fatalf("unexpected first value")
	}
}

func TestModulesAndShardInfo(t *testing.T) {
	ictx := New()
	if ictx.IsSharded() {
		t.Fatalf("fresh context must not be sharded")
	}
	ictx.ShardCount, ictx.ShardIndex = 2, 1
	if !ictx.IsSharded() {
		t.Fatalf("expected sharded context")
	}
	m := ictx.AddModule("CtsFooTestCases")
	m.Attributes.Add("abi", "arm64-v8a")
	if mods := ictx.Modules(); len(mods) != 1 || mods[0].Name != "CtsFooTestCases" {
		t.Fatalf("unexpected modules %v", mods)
	}
}
