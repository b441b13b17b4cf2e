package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"kinfu-scanner/internal/trajectory"
)

func main() {
	dbPath := flag.String("db", "trajectory.db", "Trajectory database")
	sessionID := flag.String("session", "", "Session id (default: newest session)")
	out := flag.String("o", "trajectory.png", "Output image (.png, .svg, .pdf)")
	list := flag.Bool("list", false, "List sessions and exit")

	flag.Parse()

	ctx := context.Background()
	store, err := trajectory.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	sessions, err := store.Sessions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *list {
		for _, s := range sessions {
			status := "open"
			if !s.Ended.IsZero() {
				status = fmt.Sprintf("%d frames, %.1fs", s.Frames, s.Ended.Sub(s.Started).Seconds())
			}
			fmt.Printf("%s  %s  %s  (%s)\n", s.ID, s.Started.Format("2006-01-02 15:04:05"), s.Name, status)
		}
		return
	}

	id, name := *sessionID, *sessionID
	if id == "" {
		if len(sessions) == 0 {
			fmt.Fprintln(os.Stderr, "Error: database has no sessions")
			os.Exit(1)
		}
		id, name = sessions[0].ID, sessions[0].Name
	}
	for _, s := range sessions {
		if s.ID == id {
			name = s.Name
		}
	}

	records, err := store.Poses(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	tracked := 0
	for _, r := range records {
		if r.Tracked {
			tracked++
		}
	}

	if err := trajectory.Plot(trajectory.Affines(records), name, *out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Session %s: %d poses (%d tracked)\n", id, len(records), tracked)
	fmt.Printf("Plot: %s\n", *out)
}
