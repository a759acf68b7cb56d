package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockclose/internal/rbac"
	"github.com/odyssey-erp/stockclose/jobs"
)

var errNotConfigured = errors.New("dependency not configured")

// RoleAdmin manages actor role grants.
type RoleAdmin interface {
	ListRoles(ctx context.Context) ([]rbac.Role, error)
	SeedDefaults(ctx context.Context) error
	AssignRole(ctx context.Context, actor, roleName string) error
	RemoveRole(ctx context.Context, actor, roleName string) error
}

// TokenIssuer signs bearer tokens for an actor.
type TokenIssuer interface {
	Issue(subject, name string) (string, error)
}

// JobControl is the subset of JobsCLI the commands use.
type JobControl interface {
	Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error)
	InspectQueue(ctx context.Context, queue string) (QueueStats, error)
	ListScheduled(ctx context.Context, queue string, size int) ([]*asynq.TaskInfo, error)
}

// Commands dispatches the operator subcommands of the stockclose binary.
type Commands struct {
	Roles  RoleAdmin
	Tokens TokenIssuer
	Jobs   JobControl
	Stdout io.Writer
	Stderr io.Writer
}

// Usage lists the supported subcommands.
const Usage = `usage: stockclose <command> [flags]

commands:
  serve                         run the HTTP API (default)
  roles list                    list roles
  roles seed                    create default roles and permissions
  roles grant  -actor A -role R grant a role to an actor
  roles revoke -actor A -role R revoke a role from an actor
  token issue  -actor A [-name N]
                                print a bearer token for an actor
  jobs trigger -name closing:reap-stale
  jobs inspect [-json]          print queue statistics
  jobs scheduled [-queue Q] [-size N]
                                list tasks waiting for their run time
`

// Known reports whether args name an operator command rather than serve.
func Known(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "roles", "token", "jobs", "help":
		return true
	}
	return false
}

// Run executes args and returns the process exit code.
func (c Commands) Run(ctx context.Context, args []string) int {
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
	if len(args) < 2 {
		_, _ = fmt.Fprint(c.Stderr, Usage)
		return 2
	}
	switch args[0] + " " + args[1] {
	case "roles list":
		return c.listRoles(ctx)
	case "roles seed":
		return c.seedRoles(ctx)
	case "roles grant":
		return c.changeRole(ctx, "roles grant", args[2:], true)
	case "roles revoke":
		return c.changeRole(ctx, "roles revoke", args[2:], false)
	case "token issue":
		return c.issueToken(args[2:])
	case "jobs trigger":
		return c.triggerJob(ctx, args[2:])
	case "jobs inspect":
		return c.inspectQueues(ctx, args[2:])
	case "jobs scheduled":
		return c.listScheduled(ctx, args[2:])
	}
	_, _ = fmt.Fprint(c.Stderr, Usage)
	return 2
}

func (c Commands) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	return fs
}

func (c Commands) fail(cmd string, err error) int {
	_, _ = fmt.Fprintf(c.Stderr, "%s: %v\n", cmd, err)
	return 1
}

func (c Commands) listRoles(ctx context.Context) int {
	if c.Roles == nil {
		return c.fail("roles list", errNotConfigured)
	}
	roles, err := c.Roles.ListRoles(ctx)
	if err != nil {
		return c.fail("roles list", err)
	}
	for _, role := range roles {
		_, _ = fmt.Fprintln(c.Stdout, role.Name)
	}
	return 0
}

func (c Commands) seedRoles(ctx context.Context) int {
	if c.Roles == nil {
		return c.fail("roles seed", errNotConfigured)
	}
	if err := c.Roles.SeedDefaults(ctx); err != nil {
		return c.fail("roles seed", err)
	}
	_, _ = fmt.Fprintln(c.Stdout, "default roles seeded")
	return 0
}

func (c Commands) changeRole(ctx context.Context, cmd string, args []string, grant bool) int {
	fs := c.flagSet(cmd)
	actor := fs.String("actor", "", "actor subject")
	role := fs.String("role", "", "role name")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*actor) == "" || strings.TrimSpace(*role) == "" {
		_, _ = fmt.Fprintf(c.Stderr, "%s: -actor and -role are required\n", cmd)
		return 2
	}
	if c.Roles == nil {
		return c.fail(cmd, errNotConfigured)
	}
	var err error
	if grant {
		err = c.Roles.AssignRole(ctx, *actor, *role)
	} else {
		err = c.Roles.RemoveRole(ctx, *actor, *role)
	}
	if err != nil {
		return c.fail(cmd, err)
	}
	_, _ = fmt.Fprintf(c.Stdout, "%s: %s %s\n", cmd, *actor, *role)
	return 0
}

func (c Commands) issueToken(args []string) int {
	fs := c.flagSet("token issue")
	actor := fs.String("actor", "", "actor subject")
	name := fs.String("name", "", "display name")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*actor) == "" {
		_, _ = fmt.Fprintln(c.Stderr, "token issue: -actor is required")
		return 2
	}
	if c.Tokens == nil {
		return c.fail("token issue", errNotConfigured)
	}
	token, err := c.Tokens.Issue(*actor, *name)
	if err != nil {
		return c.fail("token issue", err)
	}
	_, _ = fmt.Fprintln(c.Stdout, token)
	return 0
}

func (c Commands) triggerJob(ctx context.Context, args []string) int {
	fs := c.flagSet("jobs trigger")
	name := fs.String("name", jobs.TaskClosingReap, "task type")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if c.Jobs == nil {
		return c.fail("jobs trigger", errNotConfigured)
	}
	info, err := c.Jobs.Trigger(ctx, *name)
	if err != nil {
		return c.fail("jobs trigger", err)
	}
	_, _ = fmt.Fprintf(c.Stdout, "enqueued %s id=%s queue=%s\n", *name, info.ID, info.Queue)
	return 0
}

func (c Commands) inspectQueues(ctx context.Context, args []string) int {
	fs := c.flagSet("jobs inspect")
	asJSON := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if c.Jobs == nil {
		return c.fail("jobs inspect", errNotConfigured)
	}
	stats := make([]QueueStats, 0, 2)
	for _, queue := range []string{jobs.QueueCritical, jobs.QueueDefault} {
		s, err := c.Jobs.InspectQueue(ctx, queue)
		if err != nil {
			return c.fail("jobs inspect", err)
		}
		stats = append(stats, s)
	}
	if *asJSON {
		if err := json.NewEncoder(c.Stdout).Encode(stats); err != nil {
			return c.fail("jobs inspect", err)
		}
		return 0
	}
	for _, s := range stats {
		_, _ = fmt.Fprintf(c.Stdout, "%-9s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
	}
	return 0
}

func (c Commands) listScheduled(ctx context.Context, args []string) int {
	fs := c.flagSet("jobs scheduled")
	queue := fs.String("queue", jobs.QueueDefault, "queue name")
	size := fs.Int("size", 10, "page size")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if c.Jobs == nil {
		return c.fail("jobs scheduled", errNotConfigured)
	}
	tasks, err := c.Jobs.ListScheduled(ctx, *queue, *size)
	if err != nil {
		return c.fail("jobs scheduled", err)
	}
	for _, t := range tasks {
		_, _ = fmt.Fprintf(c.Stdout, "%s %s next=%s\n", t.ID, t.Type, t.NextProcessAt.UTC().Format(time.RFC3339))
	}
	return 0
}
