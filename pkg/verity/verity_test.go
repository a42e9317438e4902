package verity

import (
	"context"
	"testing"

	"github.com/elemental-toolkit/tridentd/pkg/types"
)

type scriptedRunner struct {
	responses map[string]string
	calls     [][]string
}

func key(command string, args ...string) string {
	s := command
	for _, a := range args {
		s += " " + a
	}
	return s
}

func (r *scriptedRunner) RunContext(_ context.Context, command string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{command}, args...))
	return []byte(r.responses[key(command, args...)]), nil
}

func TestStagedName(t *testing.T) {
	if got := StagedName("root"); got != "root_new" {
		t.Errorf("expected root_new, got %q", got)
	}
}

func TestVerifyNotCorruptedPassesOnHealthy(t *testing.T) {
	r := &scriptedRunner{responses: map[string]string{
		"dmsetup status root": "0 1000 verity V",
	}}
	if err := VerifyNotCorrupted(context.Background(), r, "root"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// A corrupted roothash must close the device and return a servicing error.
func TestVerifyNotCorruptedClosesAndFailsOnCorruption(t *testing.T) {
	r := &scriptedRunner{responses: map[string]string{
		"dmsetup status root": "0 1000 verity C",
	}}
	r.responses["dmsetup status root"] = "0 1000 verity corrupted"
	err := VerifyNotCorrupted(context.Background(), r, "root")
	if err == nil {
		t.Fatal("expected corruption error")
	}
	found := false
	for _, c := range r.calls {
		if len(c) == 3 && c[0] == "veritysetup" && c[1] == "close" && c[2] == "root" {
			found = true
		}
	}
	if !found {
		t.Error("expected veritysetup close to be called on corruption")
	}
}

func TestStopPreExistingClassifiesCorrectly(t *testing.T) {
	r := &scriptedRunner{responses: map[string]string{}}
	configured := map[string]bool{"sda": true}

	live := []LiveDevice{
		{Name: "disjoint", BackingDisks: map[string]bool{"nvme0": true}},
		{Name: "subset", BackingDisks: map[string]bool{"sda": true}},
	}
	if err := StopPreExisting(context.Background(), r, live, configured); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	closeCalls := 0
	for _, c := range r.calls {
		if len(c) == 3 && c[0] == "veritysetup" && c[1] == "close" {
			closeCalls++
		}
	}
	if closeCalls != 1 {
		t.Errorf("expected exactly one close call (for the subset device), got %d", closeCalls)
	}

	overlapping := []LiveDevice{{Name: "overlap", BackingDisks: map[string]bool{"sda": true, "nvme0": true}}}
	if err := StopPreExisting(context.Background(), r, overlapping, configured); err == nil {
		t.Fatal("expected rejection of overlapping verity device")
	}
}

func TestClassifyForRaidRequiresRaid1(t *testing.T) {
	if err := ClassifyForRaid(types.RaidLevel1); err != nil {
		t.Fatalf("unexpected error for RAID1: %v", err)
	}
	if err := ClassifyForRaid(types.RaidLevel5); err == nil {
		t.Fatal("expected rejection of non-RAID1 verity backing")
	}
}
