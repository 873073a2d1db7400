package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"puppetmaster/internal/persistence/snapshot"
)

type snapshotSummary struct {
	WorldID       string         `json:"world_id"`
	Tick          uint64         `json:"tick"`
	TickRateHz    int            `json:"tick_rate_hz"`
	AbilityStore  string         `json:"ability_store_digest"`
	Agents        int            `json:"agents"`
	LiveInstances int            `json:"live_instances"`
	OnCooldown    int            `json:"agents_on_cooldown"`
	TagCounts     map[string]int `json:"tag_counts,omitempty"`
	Running       map[string]int `json:"running,omitempty"`
}

type agentSummary struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Pos        [2]float64         `json:"pos"`
	Attributes map[string]float64 `json:"attributes"`
	Tags       []string           `json:"tags,omitempty"`
	Cooldowns  map[string]float64 `json:"cooldowns_sec,omitempty"`
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (used to find the latest snapshot)")
	snapPath := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	headerOnly := fs.Bool("header", false, "print only the snapshot header")
	agents := fs.Bool("agents", false, "print one line per agent")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		if strings.TrimSpace(*worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world or -snapshot")
			os.Exit(2)
		}
		path = latestSnapshot(filepath.Join(*dataDir, "worlds", *worldID))
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "no snapshot found")
		os.Exit(2)
	}

	if *headerOnly {
		h, err := snapshot.ReadHeader(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read header:", err)
			os.Exit(1)
		}
		printJSON(h)
		return
	}

	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	printJSON(summarize(snap))
	if *agents {
		for _, a := range summarizeAgents(snap) {
			printJSON(a)
		}
	}
}

func summarize(snap snapshot.SnapshotV1) snapshotSummary {
	s := snapshotSummary{
		WorldID:       snap.Header.WorldID,
		Tick:          snap.Header.Tick,
		TickRateHz:    snap.TickRate,
		AbilityStore:  snap.AbilityStore,
		Agents:        len(snap.Agents),
		LiveInstances: snap.LiveInstances,
	}
	for _, a := range snap.Agents {
		for _, inst := range a.Abilities.Instances {
			if s.Running == nil {
				s.Running = map[string]int{}
			}
			s.Running[inst.AbilityID]++
		}
		if len(a.Cooldowns) > 0 {
			s.OnCooldown++
		}
		for _, t := range a.Tags {
			if s.TagCounts == nil {
				s.TagCounts = map[string]int{}
			}
			s.TagCounts[t.Tag] += t.Count
		}
	}
	return s
}

func summarizeAgents(snap snapshot.SnapshotV1) []agentSummary {
	out := make([]agentSummary, 0, len(snap.Agents))
	for _, a := range snap.Agents {
		as := agentSummary{ID: a.ID, Name: a.Name, Pos: a.Pos, Attributes: a.Attributes}
		for _, t := range a.Tags {
			as.Tags = append(as.Tags, t.Tag)
		}
		sort.Strings(as.Tags)
		for _, cd := range a.Cooldowns {
			if as.Cooldowns == nil {
				as.Cooldowns = map[string]float64{}
			}
			as.Cooldowns[cd.AbilityID] = float64(cd.RemainingNS) / 1e9
		}
		out = append(out, as)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
