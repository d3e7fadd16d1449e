// Package solver defines the optimization boundary. The engine treats the
// solver as an opaque, swappable dependency that must be deterministic for
// a fixed (snapshot, seed) pair.
package solver

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"time"

	"planlock/internal/domain"
)

// Snapshot is the frozen input a solve runs against.
type Snapshot struct {
	Scenario  domain.Scenario   `json:"scenario"`
	Stops     []domain.Stop     `json:"stops"`
	Resources []domain.Resource `json:"resources"`
}

// Result is the solver output.
type Result struct {
	Assignments []Assignment `json:"assignments"`
	Unassigned  []string     `json:"unassigned"`
	Stats       Stats        `json:"stats"`
}

// Assignment is a solver-produced stop/resource pairing; the engine stamps
// the plan id when persisting.
type Assignment struct {
	StopID     string `json:"stop_id"`
	ResourceID string `json:"resource_id"`
	SiteID     string `json:"site_id"`
	StartAt    string `json:"start_at"`
	EndAt      string `json:"end_at"`
	Load       int    `json:"load"`
}

type Stats struct {
	AssignedCount   int `json:"assigned_count"`
	UnassignedCount int `json:"unassigned_count"`
	ResourcesUsed   int `json:"resources_used"`
}

// Solver produces assignments for a snapshot. Implementations must be
// deterministic for identical (snapshot, seed) inputs.
type Solver interface {
	Solve(ctx context.Context, snap Snapshot, seed int64, budget time.Duration) (Result, error)
}

// Greedy is the bundled deterministic heuristic: stops are taken in
// (earliest, id) order and placed on the feasible resource with the lowest
// seed-derived rank. Not competitive with a real optimizer, but stable,
// fast, and reproducible. A run that exhausts its budget fails rather than
// emitting a partial plan that would depend on machine speed.
type Greedy struct{}

func (Greedy) Solve(ctx context.Context, snap Snapshot, seed int64, budget time.Duration) (Result, error) {
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	stops := make([]domain.Stop, len(snap.Stops))
	copy(stops, snap.Stops)
	sort.Slice(stops, func(i, j int) bool {
		if stops[i].Earliest != stops[j].Earliest {
			return stops[i].Earliest < stops[j].Earliest
		}
		return stops[i].StopID < stops[j].StopID
	})

	resources := make([]domain.Resource, len(snap.Resources))
	copy(resources, snap.Resources)
	sort.Slice(resources, func(i, j int) bool {
		ri, rj := seedRank(resources[i].ResourceID, seed), seedRank(resources[j].ResourceID, seed)
		if ri != rj {
			return ri < rj
		}
		return resources[i].ResourceID < resources[j].ResourceID
	})

	type state struct {
		busyUntil time.Time
		used      int
	}
	states := make(map[string]*state, len(resources))
	for _, r := range resources {
		states[r.ResourceID] = &state{}
	}

	var out Result
	usedResources := map[string]bool{}
	for _, stop := range stops {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}
		placed := false
		for _, res := range resources {
			if !feasible(stop, res) {
				continue
			}
			st := states[res.ResourceID]
			if st.used+stop.Demand > res.Capacity {
				continue
			}
			start, end, ok := window(stop, res, st.busyUntil)
			if !ok {
				continue
			}
			st.busyUntil = end
			st.used += stop.Demand
			usedResources[res.ResourceID] = true
			out.Assignments = append(out.Assignments, Assignment{
				StopID:     stop.StopID,
				ResourceID: res.ResourceID,
				SiteID:     stop.SiteID,
				StartAt:    start.Format(time.RFC3339),
				EndAt:      end.Format(time.RFC3339),
				Load:       stop.Demand,
			})
			placed = true
			break
		}
		if !placed {
			out.Unassigned = append(out.Unassigned, stop.StopID)
		}
	}
	out.Stats = Stats{
		AssignedCount:   len(out.Assignments),
		UnassignedCount: len(out.Unassigned),
		ResourcesUsed:   len(usedResources),
	}
	return out, nil
}

// feasible checks site, skill and shift compatibility.
func feasible(stop domain.Stop, res domain.Resource) bool {
	if stop.SiteID != res.SiteID {
		return false
	}
	if !HasSkills(res.Skills, stop.RequiredSkills) {
		return false
	}
	return true
}

// window finds the earliest slot on the resource that fits the stop's time
// window and the resource's shift, after its current busy horizon.
func window(stop domain.Stop, res domain.Resource, busyUntil time.Time) (time.Time, time.Time, bool) {
	earliest, err1 := time.Parse(time.RFC3339, stop.Earliest)
	latest, err2 := time.Parse(time.RFC3339, stop.Latest)
	shiftStart, err3 := time.Parse(time.RFC3339, res.ShiftStart)
	shiftEnd, err4 := time.Parse(time.RFC3339, res.ShiftEnd)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return time.Time{}, time.Time{}, false
	}
	start := earliest
	if shiftStart.After(start) {
		start = shiftStart
	}
	if busyUntil.After(start) {
		start = busyUntil
	}
	end := start.Add(time.Duration(stop.DurationMin) * time.Minute)
	if start.After(latest) || end.After(shiftEnd) {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

// HasSkills reports whether have covers all of want.
func HasSkills(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, s := range have {
		set[s] = true
	}
	for _, s := range want {
		if !set[s] {
			return false
		}
	}
	return true
}

// seedRank derives a stable per-seed ordering for a resource so different
// seeds explore different placements while a fixed seed stays reproducible.
func seedRank(resourceID string, seed int64) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seed))
	sum := sha256.Sum256(append([]byte(resourceID), buf[:]...))
	return binary.BigEndian.Uint64(sum[:8])
}
