// ABOUTME: Operator CLI for loomd over its JSON-RPC surface
// ABOUTME: Inspect agents, tasks, locks, and security alerts; manage the swarm

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/loomworks/loom/internal/client"
)

var version = "dev"

func getAddr() string {
	if addr := os.Getenv("LOOM_ADDR"); addr != "" {
		return addr
	}
	return "http://localhost:7171"
}

func getToken() string {
	return os.Getenv("LOOM_TOKEN")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()
	c := client.New(getAddr(), getToken())

	var err error
	switch os.Args[1] {
	case "status":
		err = cmdStatus(ctx, c)
	case "agents":
		err = cmdAgents(ctx, c, os.Args[2:])
	case "register":
		err = cmdRegister(ctx, c, os.Args[2:])
	case "terminate":
		err = cmdTerminate(ctx, c, os.Args[2:])
	case "tasks":
		err = cmdTasks(ctx, c, os.Args[2:])
	case "create-task":
		err = cmdCreateTask(ctx, c, os.Args[2:])
	case "locks":
		err = cmdLocks(ctx, c)
	case "alerts":
		err = cmdAlerts(ctx, c, os.Args[2:])
	case "watch":
		err = cmdWatch(ctx)
	case "version":
		fmt.Printf("loomctl %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	fmt.Println("loomctl - operate a loom coordination daemon")
	fmt.Println()
	cyan.Println("Usage:")
	fmt.Println("  loomctl <command> [flags]")
	fmt.Println()
	cyan.Println("Commands:")
	fmt.Println("  status                      Check daemon health")
	fmt.Println("  agents [--all]              List agents")
	fmt.Println("  register [--role r]         Register an agent, print its token")
	fmt.Println("  terminate <agent-id>        Terminate an agent")
	fmt.Println("  tasks [--status s]          List tasks")
	fmt.Println("  create-task --title t ...   Submit a new task")
	fmt.Println("  locks                       List held file locks")
	fmt.Println("  alerts [--limit n]          List security alerts (admin)")
	fmt.Println("  watch                       Stream live events")
	fmt.Println("  version                     Print version")
	fmt.Println()
	cyan.Println("Environment:")
	yellow.Println("  LOOM_ADDR    Daemon base URL (default http://localhost:7171)")
	yellow.Println("  LOOM_TOKEN   Bearer token for authenticated commands")
}

func cmdStatus(ctx context.Context, c *client.Client) error {
	if err := c.Health(ctx); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("✓ %s is healthy\n", getAddr())
	return nil
}

func cmdAgents(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("agents", flag.ExitOnError)
	all := fs.Bool("all", false, "include terminated agents")
	fs.Parse(args)

	agents, err := c.Agents(ctx, *all)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("no agents")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROLE\tSTATUS\tTASK\tCAPABILITIES\tLAST ACTIVE")
	for _, a := range agents {
		task := "-"
		if a.AssignedTaskID != nil {
			task = shortID(*a.AssignedTaskID)
		}
		caps := "-"
		if len(a.Capabilities) > 0 {
			caps = strings.Join(a.Capabilities, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(a.ID), a.Role, a.Status, task, caps, since(a.LastActiveAt))
	}
	return w.Flush()
}

func cmdRegister(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	role := fs.String("role", "worker", "agent role (worker, researcher, admin)")
	caps := fs.String("caps", "", "comma-separated capability tags")
	fs.Parse(args)

	var capabilities []string
	if *caps != "" {
		capabilities = strings.Split(*caps, ",")
	}

	agent, token, err := c.Register(ctx, *role, capabilities)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("registered %s agent %s\n", agent.Role, agent.ID)
	fmt.Println()
	fmt.Println("Token (export as LOOM_TOKEN):")
	fmt.Println(token)
	return nil
}

func cmdTerminate(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: loomctl terminate <agent-id>")
	}
	if err := c.TerminateAgent(ctx, args[0]); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("terminated %s\n", args[0])
	return nil
}

func cmdTasks(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("tasks", flag.ExitOnError)
	status := fs.String("status", "", "filter by status")
	fs.Parse(args)

	tasks, err := c.Tasks(ctx, *status)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTITLE\tAGENT\tDEPS\tAGE")
	for _, t := range tasks {
		agent := "-"
		if t.AssignedAgentID != nil {
			agent = shortID(*t.AssignedAgentID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			shortID(t.ID), t.Status, truncate(t.Title, 40), agent, len(t.Dependencies), since(t.CreatedAt))
	}
	return w.Flush()
}

func cmdCreateTask(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("create-task", flag.ExitOnError)
	title := fs.String("title", "", "task title")
	desc := fs.String("desc", "", "task description")
	deps := fs.String("deps", "", "comma-separated dependency task IDs")
	tags := fs.String("tags", "", "comma-separated required capability tags")
	fs.Parse(args)

	if *title == "" || *desc == "" {
		return fmt.Errorf("--title and --desc are required")
	}

	task, err := c.CreateTask(ctx, *title, *desc, splitList(*deps), splitList(*tags))
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("created task %s (%s)\n", task.ID, task.Status)
	return nil
}

func cmdLocks(ctx context.Context, c *client.Client) error {
	locks, err := c.Locks(ctx)
	if err != nil {
		return err
	}
	if len(locks) == 0 {
		fmt.Println("no locks held")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tAGENT\tHELD FOR\tEXPIRES")
	for _, l := range locks {
		expires := "-"
		if l.ExpiresAt != nil {
			expires = time.Until(*l.ExpiresAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.Path, shortID(l.AgentID), since(l.AcquiredAt), expires)
	}
	return w.Flush()
}

func cmdAlerts(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("alerts", flag.ExitOnError)
	limit := fs.Int("limit", 20, "max alerts to show")
	fs.Parse(args)

	alerts, err := c.Alerts(ctx, *limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Println("no alerts")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEVERITY\tAGENT\tMESSAGE\tWHEN")
	for _, a := range alerts {
		agent := a.AgentID
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			severityColor(a.Severity), agent, truncate(a.Message, 60), since(a.CreatedAt))
	}
	return w.Flush()
}

// cmdWatch streams the daemon's SSE feed to stdout.
func cmdWatch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, getAddr()+"/events", nil)
	if err != nil {
		return err
	}
	if tok := getToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	color.New(color.FgCyan).Println("watching events (ctrl-c to stop)")
	scanner := bufio.NewScanner(resp.Body)
	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ts := time.Now().Format("15:04:05")
			color.New(color.FgYellow).Printf("%s %-22s ", ts, eventType)
			fmt.Println(strings.TrimPrefix(line, "data: "))
		}
	}
	return scanner.Err()
}

func severityColor(s string) string {
	switch s {
	case "CRITICAL":
		return color.New(color.FgRed, color.Bold).Sprint(s)
	case "HIGH":
		return color.New(color.FgRed).Sprint(s)
	case "MEDIUM":
		return color.New(color.FgYellow).Sprint(s)
	default:
		return s
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func since(t time.Time) string {
	d := time.Since(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
