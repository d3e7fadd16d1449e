package solver

import (
	"context"
	"reflect"
	"testing"
	"time"

	"planlock/internal/domain"
)

func testSnapshot() Snapshot {
	return Snapshot{
		Stops: []domain.Stop{
			{StopID: "s1", SiteID: "site-1", Earliest: "2025-06-02T08:00:00Z", Latest: "2025-06-02T12:00:00Z", DurationMin: 30, Demand: 1},
			{StopID: "s2", SiteID: "site-1", Earliest: "2025-06-02T09:00:00Z", Latest: "2025-06-02T13:00:00Z", DurationMin: 45, Demand: 1},
			{StopID: "s3", SiteID: "site-1", Earliest: "2025-06-02T09:00:00Z", Latest: "2025-06-02T13:00:00Z", DurationMin: 45, Demand: 1, RequiredSkills: []string{"lift"}},
		},
		Resources: []domain.Resource{
			{ResourceID: "r1", SiteID: "site-1", Capacity: 4, ShiftStart: "2025-06-02T07:00:00Z", ShiftEnd: "2025-06-02T18:00:00Z"},
			{ResourceID: "r2", SiteID: "site-1", Capacity: 4, Skills: []string{"lift"}, ShiftStart: "2025-06-02T07:00:00Z", ShiftEnd: "2025-06-02T18:00:00Z"},
		},
	}
}

func TestGreedyIsDeterministicPerSeed(t *testing.T) {
	snap := testSnapshot()
	first, err := Greedy{}.Solve(context.Background(), snap, 42, time.Minute)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	second, err := Greedy{}.Solve(context.Background(), snap, 42, time.Minute)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("same seed must reproduce:\n%+v\n%+v", first, second)
	}
	if first.Stats.AssignedCount != 3 || len(first.Unassigned) != 0 {
		t.Fatalf("all stops are placeable, got %+v", first.Stats)
	}
}

func TestGreedyHonorsSkillsAndSite(t *testing.T) {
	snap := testSnapshot()
	res, err := Greedy{}.Solve(context.Background(), snap, 1, time.Minute)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	for _, a := range res.Assignments {
		if a.StopID == "s3" && a.ResourceID != "r2" {
			t.Fatalf("s3 needs the lift skill, placed on %s", a.ResourceID)
		}
	}

	snap.Resources[1].SiteID = "site-2"
	res, err = Greedy{}.Solve(context.Background(), snap, 1, time.Minute)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	for _, a := range res.Assignments {
		if a.ResourceID == "r2" {
			t.Fatalf("cross-site resource must not be used")
		}
	}
	if len(res.Unassigned) != 1 || res.Unassigned[0] != "s3" {
		t.Fatalf("s3 has no feasible resource left, got unassigned %v", res.Unassigned)
	}
}

func TestGreedyNeverReturnsPartialOutput(t *testing.T) {
	snap := testSnapshot()

	// An exhausted budget fails the run instead of truncating it, so a
	// fixed seed can never yield two different results.
	res, err := Greedy{}.Solve(context.Background(), snap, 1, time.Nanosecond)
	if err == nil && res.Stats.AssignedCount != 3 {
		t.Fatalf("expired budget must error, not truncate: %+v", res.Stats)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Greedy{}).Solve(ctx, snap, 1, time.Minute); err == nil {
		t.Fatal("cancelled context must abort the solve")
	}
}

func TestGreedyRespectsCapacity(t *testing.T) {
	snap := testSnapshot()
	snap.Stops = snap.Stops[:2]
	snap.Resources = snap.Resources[:1]
	snap.Resources[0].Capacity = 1

	res, err := Greedy{}.Solve(context.Background(), snap, 5, time.Minute)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if res.Stats.AssignedCount != 1 || len(res.Unassigned) != 1 {
		t.Fatalf("capacity 1 fits one stop, got %+v unassigned %v", res.Stats, res.Unassigned)
	}
}

func TestWindowHonorsBusyHorizon(t *testing.T) {
	stop := domain.Stop{StopID: "s1", SiteID: "site-1", Earliest: "2025-06-02T08:00:00Z", Latest: "2025-06-02T12:00:00Z", DurationMin: 30}
	res := domain.Resource{ResourceID: "r1", SiteID: "site-1", ShiftStart: "2025-06-02T07:00:00Z", ShiftEnd: "2025-06-02T18:00:00Z"}

	busy, _ := time.Parse(time.RFC3339, "2025-06-02T09:15:00Z")
	start, end, ok := window(stop, res, busy)
	if !ok {
		t.Fatalf("slot should exist")
	}
	if !start.Equal(busy) || !end.Equal(busy.Add(30*time.Minute)) {
		t.Fatalf("start=%s end=%s", start, end)
	}

	late, _ := time.Parse(time.RFC3339, "2025-06-02T12:01:00Z")
	if _, _, ok := window(stop, res, late); ok {
		t.Fatalf("past the latest start the stop is unplaceable")
	}
}
