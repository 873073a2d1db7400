package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

type dbQuery struct {
	Name      string
	Tick      uint64
	Limit     int
	Actor     string
	AbilityID string
}

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	tick := fs.Uint64("tick", 0, "snapshot tick for agents (optional; defaults to latest)")
	limit := fs.Int("limit", 20, "result limit")
	actor := fs.String("actor", "", "actor filter (audits)")
	ability := fs.String("ability", "", "ability id filter (audits)")
	_ = fs.Parse(args)

	q := dbQuery{Name: "snapshots", Tick: *tick, Limit: *limit, Actor: strings.TrimSpace(*actor), AbilityID: strings.TrimSpace(*ability)}
	if fs.NArg() > 0 {
		q.Name = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "worlds", *worldID, "index", "world.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := runDBQuery(db, q, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data] [-world WORLD|-db PATH] [-tick T] [-actor A] [-ability ID] snapshots|agents|audits|catalogs")
		os.Exit(1)
	}
}

func runDBQuery(db *sql.DB, q dbQuery, out io.Writer) error {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)

	switch q.Name {
	case "snapshots":
		rows, err := db.Query(`SELECT tick,path,agents,live_instances,ability_store FROM snapshots ORDER BY tick DESC LIMIT ?`, q.Limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick          int64  `json:"tick"`
				Path          string `json:"path"`
				Agents        int    `json:"agents"`
				LiveInstances int    `json:"live_instances"`
				AbilityStore  string `json:"ability_store_digest"`
			}
			if err := rows.Scan(&r.Tick, &r.Path, &r.Agents, &r.LiveInstances, &r.AbilityStore); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			_ = enc.Encode(r)
		}
		return rows.Err()

	case "agents":
		tick := q.Tick
		if tick == 0 {
			lt, err := latestSnapshotTick(db)
			if err != nil {
				return fmt.Errorf("latest tick: %w", err)
			}
			if lt == 0 {
				return fmt.Errorf("no snapshots found")
			}
			tick = lt
		}
		rows, err := db.Query(`SELECT agent_id,name,x,y,attributes_json,tags_json,cooldowns_json FROM agent_state WHERE tick=? ORDER BY agent_id`, int64(tick))
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick       uint64          `json:"tick"`
				AgentID    string          `json:"agent_id"`
				Name       string          `json:"name"`
				X          float64         `json:"x"`
				Y          float64         `json:"y"`
				Attributes json.RawMessage `json:"attributes"`
				Tags       json.RawMessage `json:"tags"`
				Cooldowns  json.RawMessage `json:"cooldowns"`
			}
			var attrs, tags, cds string
			if err := rows.Scan(&r.AgentID, &r.Name, &r.X, &r.Y, &attrs, &tags, &cds); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			r.Tick = tick
			r.Attributes, r.Tags, r.Cooldowns = json.RawMessage(attrs), json.RawMessage(tags), json.RawMessage(cds)
			_ = enc.Encode(r)
		}
		return rows.Err()

	case "audits":
		rows, err := db.Query(`SELECT tick,actor,action,ability_id,handle,code,COALESCE(reason,'') FROM audits
			WHERE (?='' OR actor=?) AND (?='' OR ability_id=?)
			ORDER BY tick DESC, seq DESC LIMIT ?`, q.Actor, q.Actor, q.AbilityID, q.AbilityID, q.Limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick      int64  `json:"tick"`
				Actor     string `json:"actor"`
				Action    string `json:"action"`
				AbilityID string `json:"ability_id,omitempty"`
				Handle    int64  `json:"handle,omitempty"`
				Code      string `json:"code,omitempty"`
				Reason    string `json:"reason,omitempty"`
			}
			if err := rows.Scan(&r.Tick, &r.Actor, &r.Action, &r.AbilityID, &r.Handle, &r.Code, &r.Reason); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			_ = enc.Encode(r)
		}
		return rows.Err()

	case "catalogs":
		rows, err := db.Query(`SELECT name,digest,updated_at FROM catalogs ORDER BY name`)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Name      string `json:"name"`
				Digest    string `json:"digest"`
				UpdatedAt string `json:"updated_at"`
			}
			if err := rows.Scan(&r.Name, &r.Digest, &r.UpdatedAt); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			_ = enc.Encode(r)
		}
		return rows.Err()

	default:
		return fmt.Errorf("unknown query: %s", q.Name)
	}
}

func latestSnapshotTick(db *sql.DB) (uint64, error) {
	if db == nil {
		return 0, fmt.Errorf("nil db")
	}
	var t int64
	if err := db.QueryRow(`SELECT COALESCE(MAX(tick),0) FROM snapshots`).Scan(&t); err != nil {
		return 0, err
	}
	if t < 0 {
		return 0, nil
	}
	return uint64(t), nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
