package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/termdeck/termdeck/client"
	"github.com/termdeck/termdeck/internal/util/timefmt"
)

func runSessions(args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	serverURL := fs.String("server", "http://127.0.0.1:7070", "server base URL")
	socket := fs.String("socket", "", "Unix socket path (overrides -server)")
	_ = fs.Parse(args)

	c := newClient(*serverURL, *socket)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list, err := c.ListSessions(ctx)
	if err != nil {
		return err
	}
	return renderSessions(os.Stdout, list)
}

func renderSessions(out io.Writer, list client.SessionList) error {
	// Aggregate worker activity per session: asking > idle > active.
	activity := make(map[string]string)
	rank := map[string]int{"asking": 3, "idle": 2, "active": 1}
	for _, e := range list.ActivityStates {
		if rank[e.ActivityState] > rank[activity[e.SessionID]] {
			activity[e.SessionID] = e.ActivityState
		}
	}

	w := tabwriter.NewWriter(out, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tACTIVITY\tCREATED\tTITLE")
	for _, s := range list.Sessions {
		act := activity[s.ID]
		if act == "" {
			act = "unknown"
		}
		created := timefmt.Format(time.UnixMilli(s.CreatedAt))
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Type, s.Status, act, created, s.Title)
	}
	return w.Flush()
}
