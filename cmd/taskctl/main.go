package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskmaster/client"
	"taskmaster/dashboard"
	"taskmaster/domain"
	"taskmaster/storage"
	"taskmaster/view"
)

const usage = `usage: taskctl [global flags] <command> [flags] [args]

commands:
  list     show tasks (-search -category -status -priority -due)
  stats    show counters over all tasks
  add      create a task (-title -due -category -priority -desc -key)
  toggle   flip completion of a task by id
  rm       delete a task by id
  signup   create an account (-name -email -password)
  login    print a token for -email/-password
  watch    print counters whenever the task list changes
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Getenv); err != nil {
		var de *dashboard.Error
		if errors.As(err, &de) {
			log.WithError(de.Err).Debug(de.Op)
			var ve *domain.ValidationError
			if errors.As(err, &ve) {
				fmt.Fprintf(os.Stderr, "%s: %s\n", de.Msg, ve.Msg)
			} else {
				fmt.Fprintln(os.Stderr, de.Msg)
			}
			if de.Key != "" && !errors.As(err, &ve) {
				fmt.Fprintf(os.Stderr, "retry with -key %s\n", de.Key)
			}
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

type globals struct {
	server string
	token  string
	driver string
	dsn    string
	user   string
}

func run(ctx context.Context, args []string, out io.Writer, getenv func(string) string) error {
	fs := flag.NewFlagSet("taskctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var g globals
	fs.StringVar(&g.server, "server", envOr(getenv, "TASKCTL_SERVER", "http://localhost:8080"), "API base URL")
	fs.StringVar(&g.token, "token", getenv("TASKCTL_TOKEN"), "bearer token")
	fs.StringVar(&g.driver, "store", "", "work on a local sqlite or postgres store instead of the API")
	fs.StringVar(&g.dsn, "dsn", "", "DSN for -store")
	fs.StringVar(&g.user, "user", getenv("TASKCTL_USER"), "owner id for -store")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w\n%s", err, usage)
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return errors.New(usage)
	}
	cmd, rest := rest[0], rest[1:]

	switch cmd {
	case "signup", "login":
		if g.driver != "" {
			return fmt.Errorf("%s needs the API, not -store", cmd)
		}
		return account(ctx, client.New(g.server, g.token), cmd, rest, out)
	case "watch":
		if g.driver != "" || g.token == "" {
			return errors.New("watch needs the API and a token")
		}
		return client.New(g.server, g.token).Watch(ctx, func(res view.Result) error {
			fmt.Fprintf(out, "%s total=%d completed=%d due_today=%d overdue=%d\n",
				time.Now().Format(time.TimeOnly), res.Stats.Total, res.Stats.Completed, res.Stats.DueToday, res.Stats.Overdue)
			return nil
		})
	case "list", "stats", "add", "toggle", "rm":
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}

	remote, closeFn, err := g.remote()
	if err != nil {
		return err
	}
	defer closeFn()

	d := dashboard.New(remote, view.NewEngine())
	if err := d.Load(ctx); err != nil {
		return err
	}
	switch cmd {
	case "list":
		return list(d, rest, out)
	case "stats":
		return printStats(d.Stats(), out)
	case "add":
		return add(ctx, d, rest, out)
	case "toggle":
		id, err := single(cmd, rest)
		if err != nil {
			return err
		}
		t, err := d.Toggle(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s\n", t.ID, statusLabel(t, time.Now()))
		return nil
	default:
		id, err := single(cmd, rest)
		if err != nil {
			return err
		}
		if err := d.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Fprintln(out, "Task deleted successfully")
		return nil
	}
}

func (g globals) remote() (dashboard.Remote, func(), error) {
	if g.driver == "" {
		if g.token == "" {
			return nil, nil, errors.New("no token: pass -token or set TASKCTL_TOKEN")
		}
		return client.New(g.server, g.token), func() {}, nil
	}
	if g.user == "" {
		return nil, nil, errors.New("-store needs -user")
	}
	store, err := storage.OpenSQL(strings.ToLower(g.driver), g.dsn)
	if err != nil {
		return nil, nil, err
	}
	return dashboard.Owned{Store: store, UserID: g.user}, func() { _ = store.Close() }, nil
}

func list(d *dashboard.Dashboard, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	search := fs.String("search", "", "substring of title or description")
	category := fs.String("category", view.All, "category")
	status := fs.String("status", view.All, "All, Completed, Pending or Overdue")
	priority := fs.String("priority", view.All, "High, Medium or Low")
	due := fs.String("due", view.All, "All, Today or This Week")
	if err := fs.Parse(args); err != nil {
		return err
	}
	spec, err := view.ParseSpec(*search, *category, *status, *priority, *due)
	if err != nil {
		return err
	}
	d.SetFilter(spec)

	now := time.Now()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tDUE\tPRIORITY\tCATEGORY\tTITLE")
	for _, t := range d.Visible() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, statusLabel(t, now), t.DueDate.Local().Format("2006-01-02"),
			t.Priority, t.EffectiveCategory(), t.Title)
	}
	return tw.Flush()
}

func statusLabel(t domain.Task, now time.Time) string {
	switch {
	case t.Completed:
		return "done"
	case view.IsOverdue(t, now):
		return "overdue"
	default:
		return "pending"
	}
}

func printStats(st view.Stats, out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "total\t%d\n", st.Total)
	fmt.Fprintf(tw, "completed\t%d\n", st.Completed)
	fmt.Fprintf(tw, "due today\t%d\n", st.DueToday)
	fmt.Fprintf(tw, "overdue\t%d\n", st.Overdue)
	for _, c := range st.ByCategory {
		fmt.Fprintf(tw, "  %s\t%d\n", c.Category, c.Count)
	}
	return tw.Flush()
}

func add(ctx context.Context, d *dashboard.Dashboard, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	title := fs.String("title", "", "task title")
	desc := fs.String("desc", "", "description")
	dueStr := fs.String("due", "", "due date, YYYY-MM-DD or RFC 3339")
	category := fs.String("category", "", "category (default General)")
	priority := fs.String("priority", "", "priority (default Medium)")
	key := fs.String("key", "", "idempotency key; reuse the one printed by a failed add")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *title == "" && fs.NArg() > 0 {
		*title = strings.Join(fs.Args(), " ")
	}
	due, err := parseDue(*dueStr)
	if err != nil {
		return err
	}
	if *key == "" {
		*key = uuid.NewString()
	}
	t, err := d.CreateWithKey(ctx, domain.TaskDraft{
		Title:       *title,
		Description: *desc,
		DueDate:     &due,
		Category:    domain.Category(*category),
		Priority:    domain.Priority(*priority),
	}, *key)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, t.ID)
	return nil
}

func parseDue(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("-due is required")
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid -due %q", s)
	}
	return t, nil
}

func account(ctx context.Context, c *client.Client, cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	name := fs.String("name", "", "display name")
	email := fs.String("email", "", "email")
	password := fs.String("password", "", "password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cmd == "signup" {
		u, err := c.Signup(ctx, domain.Signup{Name: *name, Email: *email, Password: *password})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, u.ID)
		return nil
	}
	tok, err := c.Login(ctx, *email, *password)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}

func single(cmd string, args []string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", fmt.Errorf("%s takes exactly one task id", cmd)
	}
	return args[0], nil
}

func envOr(getenv func(string) string, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}
