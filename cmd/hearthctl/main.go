// Command hearthctl inspects and edits moderation state in the hearth bolt
// database. Run it while hearthd is stopped; bolt holds an exclusive lock.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hearth-chat/hearth/internal/hub"
	"github.com/hearth-chat/hearth/internal/identity"
	"github.com/hearth-chat/hearth/internal/store"
	bolt "go.etcd.io/bbolt"
)

const usage = `Usage: hearthctl [-db <path>] <command> [args]

Commands:
  roles <user>                 list the roles a user holds
  members <role>               list the user ids holding a role
  grant <user> <role>          grant a role
  revoke <user> <role>         revoke a role
  ban <user>                   ban a user
  unban <user>                 lift a ban, including a legacy name ban
  lookup <user>                show the cached identity of a user
  sweep                        show when the next retention sweep is due
  sweep-reset                  disarm the retention alarm; hearthd re-arms
                               it a full interval out on its next start

Legacy imports (records keyed by display name):
  legacy-ban <name>            ban a display name
  legacy-timeout <name> <ms>   time a display name out until a unix ms time
  legacy-color <name> <color>  set the color shown for a display name

<user> is a user id or a display name known to the identity cache.`

var (
	errUsage   = errors.New("invalid usage")
	colorRegex = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("hearthctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, usage) }
	dbPath := fs.String("db", defaultDBPath(), "path to the hearth bolt database")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	db, err := store.OpenDB(*dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "%v (is hearthd running?)\n", err)
		return 1
	}
	defer db.Close()

	ctl, err := newCtl(db, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	if err := ctl.exec(fs.Arg(0), fs.Args()[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(stderr, usage)
			return 2
		}
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	return 0
}

func defaultDBPath() string {
	dir := os.Getenv("HEARTH_DATA_DIR")
	if dir == "" {
		dir = "data"
	}
	return filepath.Join(dir, "hearth.db")
}

type ctl struct {
	mod   *store.Moderation
	ids   *identity.Cache
	sched *store.Schedule
	out   io.Writer
}

func newCtl(db *bolt.DB, out io.Writer) (*ctl, error) {
	mod, err := store.NewModeration(db)
	if err != nil {
		return nil, err
	}
	// Only cached lookups are used, so no provider is needed.
	ids, err := identity.NewCache(db, nil, 0)
	if err != nil {
		return nil, err
	}
	sched, err := store.NewSchedule(db)
	if err != nil {
		return nil, err
	}
	return &ctl{mod: mod, ids: ids, sched: sched, out: out}, nil
}

func (c *ctl) exec(cmd string, args []string) error {
	want := map[string]int{
		"roles": 1, "members": 1, "grant": 2, "revoke": 2,
		"ban": 1, "unban": 1, "lookup": 1,
		"sweep": 0, "sweep-reset": 0,
		"legacy-ban": 1, "legacy-timeout": 2, "legacy-color": 2,
	}
	n, ok := want[cmd]
	if !ok || len(args) != n {
		return errUsage
	}

	switch cmd {
	case "sweep":
		at, ok, err := c.sched.Alarm(hub.RetentionAlarm)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(c.out, "retention sweep not armed")
			return nil
		}
		fmt.Fprintf(c.out, "retention sweep due %s\n", at.UTC().Format(time.RFC3339))
		return nil
	case "sweep-reset":
		if err := c.sched.ClearAlarm(hub.RetentionAlarm); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "retention alarm cleared")
		return nil
	case "legacy-ban":
		if err := c.mod.BanLegacyName(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "banned legacy name %s\n", args[0])
		return nil
	case "legacy-timeout":
		until, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || until <= 0 {
			return fmt.Errorf("invalid expiry %q: want unix milliseconds", args[1])
		}
		if err := c.mod.SetLegacyTimeout(args[0], until); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "timed out legacy name %s until %d\n", args[0], until)
		return nil
	case "legacy-color":
		if !colorRegex.MatchString(args[1]) {
			return fmt.Errorf("invalid color %q: want #rrggbb", args[1])
		}
		if err := c.ids.SetLegacyColor(args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "color of legacy name %s set to %s\n", args[0], args[1])
		return nil
	case "members":
		role, err := parseRole(args[0])
		if err != nil {
			return err
		}
		ids, err := c.mod.UsersWithRole(role)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(c.out, c.describe(id))
		}
		return nil
	case "grant", "revoke":
		role, err := parseRole(args[1])
		if err != nil {
			return err
		}
		id, err := c.resolve(args[0])
		if err != nil {
			return err
		}
		if cmd == "grant" {
			err = c.mod.GrantRole(id, role)
		} else {
			err = c.mod.RevokeRole(id, role)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s %s: %s\n", cmd, role, c.describe(id))
		return nil
	}

	id, err := c.resolve(args[0])
	if err != nil {
		return err
	}
	switch cmd {
	case "roles":
		roles, err := c.mod.RolesOf(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: %s\n", c.describe(id), strings.Join(roles, ", "))
	case "ban":
		if err := c.mod.Ban(id); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "banned %s\n", c.describe(id))
	case "unban":
		if err := c.mod.Unban(id); err != nil {
			return err
		}
		if err := c.mod.ClearLegacyBan(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "unbanned %s\n", c.describe(id))
	case "lookup":
		p, found, err := c.ids.Lookup(id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no cached identity for %s", id)
		}
		color := p.Color
		if color == "" {
			color = "-"
		}
		fmt.Fprintf(c.out, "user_id=%s name=%s color=%s\n", p.UserID, p.DisplayName, color)
	}
	return nil
}

// resolve maps a display name to its user id. Anything the cache does not
// know as a name is taken to be a user id.
func (c *ctl) resolve(user string) (string, error) {
	if _, found, err := c.ids.Lookup(user); err != nil || found {
		return user, err
	}
	id, ok, err := c.ids.UserIDByName(user)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	return user, nil
}

func (c *ctl) describe(id string) string {
	if p, found, err := c.ids.Lookup(id); err == nil && found {
		return fmt.Sprintf("%s (%s)", id, p.DisplayName)
	}
	return id
}

func parseRole(s string) (store.Role, error) {
	role, ok := store.ParseRole(s)
	if !ok {
		return "", fmt.Errorf("invalid role %q. Valid roles: %s", s, store.RoleNames())
	}
	return role, nil
}
