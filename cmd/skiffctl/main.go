package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/skiff-sync/skiff/internal/client"
	"github.com/skiff-sync/skiff/internal/lock"
	"github.com/skiff-sync/skiff/internal/session"
	"github.com/skiff-sync/skiff/internal/store"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Session listing works without a running daemon.
	if args[0] == "sessions" {
		if len(args) >= 2 && args[1] == "list" {
			cmdSessionsList(*jsonFlag)
			return
		}
		fmt.Fprintln(os.Stderr, "usage: skiffctl sessions list")
		os.Exit(1)
	}

	socketPath := session.SocketPath(sessionName)
	c, err := client.New(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "stop":
		cmdStop(ctx, c)
	case "sync":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: skiffctl sync <status|now>")
			os.Exit(1)
		}
		cmdSync(ctx, c, args[1], *jsonFlag)
	case "queue":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: skiffctl queue <list|retry|discard>")
			os.Exit(1)
		}
		cmdQueue(ctx, c, args[1], *jsonFlag)
	case "create":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: skiffctl create <type> <json>")
			os.Exit(1)
		}
		cmdCreate(ctx, c, args[1], args[2], *jsonFlag)
	case "get":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: skiffctl get <type> <id>")
			os.Exit(1)
		}
		cmdGet(ctx, c, args[1], args[2], *jsonFlag)
	case "list":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: skiffctl list <type> [status]")
			os.Exit(1)
		}
		filter := ""
		if len(args) >= 3 {
			filter = args[2]
		}
		cmdList(ctx, c, args[1], filter, *jsonFlag)
	case "update":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: skiffctl update <type> <id> <json>")
			os.Exit(1)
		}
		cmdUpdate(ctx, c, args[1], args[2], args[3], *jsonFlag)
	case "delete":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: skiffctl delete <type> <id>")
			os.Exit(1)
		}
		cmdDelete(ctx, c, args[1], args[2])
	case "search":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: skiffctl search <type> <query>")
			os.Exit(1)
		}
		cmdSearch(ctx, c, args[1], strings.Join(args[2:], " "), *jsonFlag)
	case "conflicts":
		cmdConflicts(ctx, c, *jsonFlag)
	case "resolve":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: skiffctl resolve <type> <id> <keep_local|keep_remote|merge>")
			os.Exit(1)
		}
		cmdResolve(ctx, c, args[1], args[2], args[3], *jsonFlag)
	case "actions":
		filter := ""
		if len(args) >= 2 {
			filter = args[1]
		}
		cmdActions(ctx, c, filter, *jsonFlag)
	case "stats":
		cmdStats(ctx, c, *jsonFlag)
	case "net":
		cmdNet(ctx, c, *jsonFlag)
	case "watch":
		ns := ""
		if len(args) >= 2 {
			ns = args[1]
		}
		cmdWatch(c, ns)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: skiffctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show daemon status")
	fmt.Fprintln(os.Stderr, "  sync status                     Show queue depth and connectivity")
	fmt.Fprintln(os.Stderr, "  sync now                        Force a full sync pass")
	fmt.Fprintln(os.Stderr, "  queue list                      List queued mutations")
	fmt.Fprintln(os.Stderr, "  queue retry                     Requeue dead-lettered mutations")
	fmt.Fprintln(os.Stderr, "  queue discard                   Drop dead-lettered mutations")
	fmt.Fprintln(os.Stderr, "  create <type> <json>            Create an entity")
	fmt.Fprintln(os.Stderr, "  get <type> <id>                 Show one entity")
	fmt.Fprintln(os.Stderr, "  list <type> [status]            List entities of a type")
	fmt.Fprintln(os.Stderr, "  update <type> <id> <json>       Apply a JSON patch")
	fmt.Fprintln(os.Stderr, "  delete <type> <id>              Delete an entity")
	fmt.Fprintln(os.Stderr, "  search <type> <query>           Full-text search within a type")
	fmt.Fprintln(os.Stderr, "  conflicts                       List conflicted entities")
	fmt.Fprintln(os.Stderr, "  resolve <type> <id> <strategy>  Resolve a conflict")
	fmt.Fprintln(os.Stderr, "  actions [pending|failed]        List optimistic actions")
	fmt.Fprintln(os.Stderr, "  stats                           Show store statistics")
	fmt.Fprintln(os.Stderr, "  net                             Show connectivity info")
	fmt.Fprintln(os.Stderr, "  watch [namespace]               Stream daemon events")
	fmt.Fprintln(os.Stderr, "  sessions list                   List known sessions")
	fmt.Fprintln(os.Stderr, "  stop                            Stop the daemon")
}

func cmdStatus(ctx context.Context, c *client.Client, jsonOut bool) {
	resp, err := c.DaemonStatus(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Session: %s\n", resp.Session)
	fmt.Printf("State:   %s\n", resp.State)
	fmt.Printf("PID:     %d\n", resp.PID)
	fmt.Printf("Uptime:  %s\n", time.Since(resp.StartedAt).Round(time.Second))
}

func cmdStop(ctx context.Context, c *client.Client) {
	if err := c.StopDaemon(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Daemon stopping.")
}

func cmdSync(ctx context.Context, c *client.Client, subcmd string, jsonOut bool) {
	switch subcmd {
	case "status":
		resp, err := c.SyncStatus(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if jsonOut {
			outputJSON(resp)
			return
		}
		fmt.Printf("Online:    %v (%s)\n", resp.IsOnline, resp.Connectivity.Status)
		fmt.Printf("Queued:    %d\n", resp.QueuedRequests)
		fmt.Printf("Retrying:  %d\n", resp.PendingRetries)
		fmt.Printf("Failed:    %d\n", resp.FailedRequests)
		fmt.Printf("Conflicts: %d\n", resp.Conflicts)
		if resp.LastSync != nil {
			fmt.Printf("Last sync: %s\n", resp.LastSync.Local().Format(time.RFC3339))
		}
		if resp.NextRetryAt != nil {
			fmt.Printf("Next retry: %s\n", resp.NextRetryAt.Local().Format(time.RFC3339))
		}
	case "now":
		resp, err := c.ForceSync(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if jsonOut {
			outputJSON(resp)
			return
		}
		fmt.Printf("Pushed:    %d (%d conflicts, %d failed)\n",
			resp.Drain.Pushed, resp.Drain.Conflicts, resp.Drain.Failed)
		fmt.Printf("Pulled:    %d applied (%d conflicts, %d purged)\n",
			resp.Pull.Applied, resp.Pull.Conflicts, resp.Pull.Purged)
	default:
		fmt.Fprintf(os.Stderr, "unknown sync subcommand: %s\n", subcmd)
		os.Exit(1)
	}
}

func cmdQueue(ctx context.Context, c *client.Client, subcmd string, jsonOut bool) {
	switch subcmd {
	case "list":
		entries, err := c.QueueEntries(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if jsonOut {
			outputJSON(entries)
			return
		}
		if len(entries) == 0 {
			fmt.Println("Queue is empty.")
			return
		}
		for _, e := range entries {
			line := fmt.Sprintf("#%-5d %-7s %s/%s  %s  retries=%d",
				e.ID, e.Op, e.EntityType, e.EntityID, e.Status, e.RetryCount)
			if e.LastError != "" {
				line += "  " + e.LastError
			}
			fmt.Println(line)
		}
	case "retry":
		n, err := c.RetryFailed(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Requeued %d mutation(s).\n", n)
	case "discard":
		n, err := c.DiscardFailed(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Discarded %d mutation(s).\n", n)
	default:
		fmt.Fprintf(os.Stderr, "unknown queue subcommand: %s\n", subcmd)
		os.Exit(1)
	}
}

func cmdCreate(ctx context.Context, c *client.Client, entityType, payload string, jsonOut bool) {
	if !json.Valid([]byte(payload)) {
		fmt.Fprintln(os.Stderr, "error: payload is not valid JSON")
		os.Exit(1)
	}
	ent, err := c.CreateEntity(ctx, entityType, json.RawMessage(payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(ent)
		return
	}
	printEntity(ent)
}

func cmdGet(ctx context.Context, c *client.Client, entityType, id string, jsonOut bool) {
	ent, err := c.GetEntity(ctx, entityType, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(ent)
		return
	}
	printEntity(ent)
}

func cmdList(ctx context.Context, c *client.Client, entityType, filter string, jsonOut bool) {
	entities, err := c.ListEntities(ctx, entityType, store.ListOptions{Status: store.SyncStatus(filter)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(entities)
		return
	}
	if len(entities) == 0 {
		fmt.Println("No entities found.")
		return
	}
	for _, e := range entities {
		fmt.Printf("%-36s v%-4d %-9s %s\n", e.ID, e.Version, e.Status, preview(e.Payload))
	}
}

func cmdUpdate(ctx context.Context, c *client.Client, entityType, id, patch string, jsonOut bool) {
	if !json.Valid([]byte(patch)) {
		fmt.Fprintln(os.Stderr, "error: patch is not valid JSON")
		os.Exit(1)
	}
	ent, err := c.UpdateEntity(ctx, entityType, id, json.RawMessage(patch))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(ent)
		return
	}
	printEntity(ent)
}

func cmdDelete(ctx context.Context, c *client.Client, entityType, id string) {
	if err := c.DeleteEntity(ctx, entityType, id); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted %s/%s (queued for sync).\n", entityType, id)
}

func cmdSearch(ctx context.Context, c *client.Client, entityType, query string, jsonOut bool) {
	results, err := c.SearchEntities(ctx, entityType, query, 50)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(results)
		return
	}
	if len(results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, r := range results {
		fmt.Printf("%-36s %s\n", r.Entity.ID, r.Snippet)
	}
}

func cmdConflicts(ctx context.Context, c *client.Client, jsonOut bool) {
	conflicts, err := c.Conflicts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(conflicts)
		return
	}
	if len(conflicts) == 0 {
		fmt.Println("No conflicts.")
		return
	}
	for _, e := range conflicts {
		remoteVersion := int64(0)
		if e.Remote != nil {
			remoteVersion = e.Remote.Version
		}
		fmt.Printf("%s/%s  local v%d vs remote v%d\n", e.Type, e.ID, e.Version, remoteVersion)
		fmt.Printf("  local:  %s\n", preview(e.Payload))
		if e.Remote != nil {
			fmt.Printf("  remote: %s\n", preview(e.Remote.Payload))
		}
	}
}

func cmdResolve(ctx context.Context, c *client.Client, entityType, id, strategy string, jsonOut bool) {
	ent, err := c.Resolve(ctx, entityType, id, strategy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(ent)
		return
	}
	if ent == nil {
		fmt.Printf("Resolved %s/%s: remote deletion adopted.\n", entityType, id)
		return
	}
	fmt.Printf("Resolved %s/%s with %s.\n", entityType, id, strategy)
	printEntity(ent)
}

func cmdActions(ctx context.Context, c *client.Client, filter string, jsonOut bool) {
	actions, err := c.Actions(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(actions)
		return
	}
	if len(actions) == 0 {
		fmt.Println("No tracked actions.")
		return
	}
	for _, a := range actions {
		line := fmt.Sprintf("%-7s %s/%s  %s", a.Type, a.EntityType, a.EntityID, a.Status)
		if a.Error != "" {
			line += "  " + a.Error
		}
		fmt.Println(line)
	}
}

func cmdStats(ctx context.Context, c *client.Client, jsonOut bool) {
	stats, err := c.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(stats)
		return
	}
	for _, ts := range stats.Types {
		fmt.Printf("%-20s %d total, %d pending, %d conflicts\n",
			ts.Type, ts.Total, ts.Pending, ts.Conflicts)
	}
	fmt.Printf("Queue: %d queued, %d retrying, %d failed\n",
		stats.Queued, stats.Retrying, stats.Failed)
	fmt.Printf("Database: %d bytes\n", stats.DatabaseSize)
}

func cmdNet(ctx context.Context, c *client.Client, jsonOut bool) {
	info, err := c.Probe(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(info)
		return
	}
	fmt.Printf("Status: %s\n", info.Status)
	if info.RTTMillis > 0 {
		fmt.Printf("RTT:    %dms\n", info.RTTMillis)
	}
	fmt.Printf("Checked: %s\n", info.CheckedAt.Local().Format(time.RFC3339))
}

// cmdWatch streams events until interrupted; no request timeout applies.
func cmdWatch(c *client.Client, namespace string) {
	stream, err := c.Events(context.Background(), namespace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = stream.Close() }()

	for {
		evt, err := stream.Next()
		if err != nil {
			fmt.Fprintf(os.Stderr, "stream closed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s %-24s %s\n",
			evt.Timestamp.Local().Format("15:04:05"), evt.Kind, string(evt.Payload))
	}
}

func cmdSessionsList(jsonOut bool) {
	names, err := session.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(names)
		return
	}
	if len(names) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, name := range names {
		running := "stopped"
		if _, held := lock.Holder(session.Dir(name)); held {
			running = "running"
		}
		fmt.Printf("%-20s %s (%s)\n", name, session.Dir(name), running)
	}
}

func preview(payload json.RawMessage) string {
	s := string(payload)
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}

func printEntity(ent *store.Entity) {
	fmt.Printf("ID:      %s\n", ent.ID)
	fmt.Printf("Type:    %s\n", ent.Type)
	fmt.Printf("Version: %d\n", ent.Version)
	fmt.Printf("Status:  %s\n", ent.Status)
	fmt.Printf("Updated: %s\n", ent.UpdatedAt.Local().Format(time.RFC3339))
	fmt.Printf("Payload: %s\n", ent.Payload)
	if ent.Remote != nil {
		fmt.Printf("Remote:  v%d %s\n", ent.Remote.Version, preview(ent.Remote.Payload))
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
