package console

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/shellwords"
	"github.com/gertd/go-pluralize"
	"github.com/rodaine/table"
	"github.com/zond/mudbridge"
	"github.com/zond/mudbridge/dbtask"
	"github.com/zond/mudbridge/js"
	"github.com/zond/mudbridge/registry"
)

type command struct {
	names map[string]bool
	help  string
	f     func(*Connection, string) error
}

type commands []command

func (c commands) attempt(conn *Connection, name string, line string) (bool, error) {
	for _, cmd := range c {
		if cmd.names[name] {
			if err := cmd.f(conn, line); err != nil {
				return true, mudbridge.WithStack(err)
			}
			return true, nil
		}
	}
	return false, nil
}

func m(s ...string) map[string]bool {
	res := map[string]bool{}
	for _, p := range s {
		res[p] = true
	}
	return res
}

var plural = pluralize.NewClient()

// rest strips the command word from the line.
func rest(line string) string {
	parts := strings.SplitN(line, " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (c *Connection) commands() commands {
	return commands{
		{
			names: m("eval", "e"),
			help:  "eval <code>: run code in the console script domain",
			f: func(c *Connection, s string) error {
				code := rest(s)
				if code == "" {
					fmt.Fprintln(c.term, "usage: eval <code>")
					return nil
				}
				var out string
				if err := c.console.do(func() error {
					iface, err := c.console.iface()
					if err != nil {
						return err
					}
					val, err := iface.Eval(c.console.ctx, code, "console")
					if err != nil {
						return err
					}
					out = val.String()
					return nil
				}); err != nil {
					fmt.Fprintf(c.term, "Error: %v\n", err)
					return nil
				}
				fmt.Fprintln(c.term, out)
				return nil
			},
		},
		{
			names: m("load"),
			help:  "load <path>: load a script module from disk",
			f: func(c *Connection, s string) error {
				parts, err := shellwords.SplitPosix(s)
				if err != nil {
					return mudbridge.WithStack(err)
				}
				if len(parts) != 2 {
					fmt.Fprintln(c.term, "usage: load <path>")
					return nil
				}
				var id int32
				if err := c.console.do(func() error {
					iface, err := c.console.iface()
					if err != nil {
						return err
					}
					id = iface.LoadScriptFile(c.console.ctx, parts[1])
					return nil
				}); err != nil {
					fmt.Fprintf(c.term, "Error: %v\n", err)
					return nil
				}
				if id == js.LoadFailed {
					fmt.Fprintf(c.term, "Loading %q failed, see the diagnostics log.\n", parts[1])
					return nil
				}
				fmt.Fprintf(c.term, "Loaded %q as script %d.\n", parts[1], id)
				return nil
			},
		},
		{
			names: m("invalidate"),
			help:  "invalidate <path>: drop a script source from the cache",
			f: func(c *Connection, s string) error {
				parts, err := shellwords.SplitPosix(s)
				if err != nil {
					return mudbridge.WithStack(err)
				}
				if len(parts) != 2 {
					fmt.Fprintln(c.term, "usage: invalidate <path>")
					return nil
				}
				if err := c.console.do(func() error {
					iface, err := c.console.iface()
					if err != nil {
						return err
					}
					iface.InvalidateSource(parts[1])
					return nil
				}); err != nil {
					fmt.Fprintf(c.term, "Error: %v\n", err)
				}
				return nil
			},
		},
		{
			names: m("stats"),
			help:  "stats: bridge runtime counters",
			f:     handleStats,
		},
		{
			names: m("types"),
			help:  "types: the registered type hierarchy",
			f:     handleTypes,
		},
		{
			names: m("world"),
			help:  "world: demo world population",
			f: func(c *Connection, s string) error {
				w := c.console.world
				creatures, uniques, released := w.CreatureCount(), w.UniqueCount(), w.ReleasedCount()
				fmt.Fprintf(c.term, "%s and %s; %s handed back\n",
					plural.Pluralize("creature", creatures, true),
					plural.Pluralize("unique item", uniques, true),
					plural.Pluralize("temp reference", released, true))
				return nil
			},
		},
		{
			names: m("config"),
			help:  "config [set <key> <value>]: show or change bridge settings",
			f:     handleConfig,
		},
		{
			names: m("sql"),
			help:  "sql <statement>: run a statement on the bridge database",
			f:     handleSQL,
		},
		{
			names: m("reload"),
			help:  "reload: cycle the scripting world",
			f: func(c *Connection, s string) error {
				if err := c.console.do(func() error {
					return c.console.rt.Reopen()
				}); err != nil {
					fmt.Fprintf(c.term, "Error: %v\n", err)
					return nil
				}
				fmt.Fprintln(c.term, "Scripting world reloaded.")
				return nil
			},
		},
		{
			names: m("help", "?"),
			help:  "help: this text",
			f: func(c *Connection, s string) error {
				for _, cmd := range c.commands() {
					fmt.Fprintf(c.term, "  %s\n", cmd.help)
				}
				return nil
			},
		},
		{
			names: m("quit", "exit"),
			help:  "quit: close the session",
			f: func(c *Connection, s string) error {
				return io.EOF
			},
		},
	}
}

func handleStats(c *Connection, s string) error {
	var pendingTimers, captured, inUse, capacity, callbacks, sources, scoped int
	if err := c.console.do(func() error {
		iface, err := c.console.iface()
		if err != nil {
			return err
		}
		rt := c.console.rt
		pendingTimers = rt.PendingTimers()
		captured = rt.CapturedCount()
		inUse = rt.Pool().InUse()
		capacity = rt.Pool().Capacity()
		callbacks = iface.CallbackCount()
		sources = iface.SourceCount()
		scoped = rt.ScopedCount(iface)
		return nil
	}); err != nil {
		fmt.Fprintf(c.term, "Error: %v\n", err)
		return nil
	}

	t := table.New("Metric", "Value").WithWriter(c.term)
	t.AddRow("Pending timers", pendingTimers)
	t.AddRow("Captured references", captured)
	t.AddRow("Call contexts in use", fmt.Sprintf("%d/%d", inUse, capacity))
	t.AddRow("Cached callbacks", callbacks)
	t.AddRow("Cached sources", sources)
	t.AddRow("Scoped objects", scoped)
	t.AddRow("Registered types", c.console.rt.Types().Len())
	if c.console.db != nil {
		t.AddRow("Queued database tasks", c.console.db.Len())
	}
	t.Print()
	fmt.Fprintf(c.term, "%s pending, %s held\n",
		plural.Pluralize("timer", pendingTimers, true),
		plural.Pluralize("captured reference", captured, true))
	return nil
}

func handleTypes(c *Connection, s string) error {
	type row struct {
		name    string
		depth   int
		parent  string
		mutable bool
		owning  bool
	}
	rows := []row{}
	c.console.rt.Types().Each(func(d *registry.Descriptor) {
		r := row{name: d.Name(), depth: d.Depth(), mutable: d.Mutable(), owning: d.Owning()}
		if d.Parent() != nil {
			r.parent = d.Parent().Name()
		}
		rows = append(rows, r)
	})
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].depth != rows[j].depth {
			return rows[i].depth < rows[j].depth
		}
		return rows[i].name < rows[j].name
	})
	t := table.New("Type", "Depth", "Parent", "Mutable", "Owning").WithWriter(c.term)
	for _, r := range rows {
		t.AddRow(r.name, r.depth, r.parent, r.mutable, r.owning)
	}
	t.Print()
	return nil
}

func handleConfig(c *Connection, s string) error {
	parts, err := shellwords.SplitPosix(s)
	if err != nil {
		return mudbridge.WithStack(err)
	}
	cfg := c.console.config
	if len(parts) == 1 {
		t := table.New("Setting", "Value").WithWriter(c.term)
		t.AddRow("localbase", fmt.Sprintf("%#x", cfg.LocalBase()))
		t.AddRow("timerfloor", cfg.TimerFloor())
		t.AddRow("calltimeout", cfg.CallTimeout())
		t.AddRow("poolcapacity", cfg.PoolCapacity())
		t.AddRow("warnunsafe", cfg.WarnUnsafe())
		t.AddRow("convertunsafe", cfg.ConvertUnsafe())
		t.AddRow("sourcettl", cfg.SourceCacheTTL())
		t.Print()
		return nil
	}
	if len(parts) != 4 || parts[1] != "set" {
		fmt.Fprintln(c.term, "usage: config [set <key> <value>]")
		return nil
	}
	key, value := parts[2], parts[3]
	switch key {
	case "timerfloor", "calltimeout", "sourcettl":
		d, err := time.ParseDuration(value)
		if err != nil {
			fmt.Fprintf(c.term, "Error: %v\n", err)
			return nil
		}
		switch key {
		case "timerfloor":
			cfg.SetTimerFloor(d)
		case "calltimeout":
			cfg.SetCallTimeout(d)
		case "sourcettl":
			cfg.SetSourceCacheTTL(d)
			fmt.Fprintln(c.term, "Takes effect for interfaces created after the next reload.")
		}
	case "poolcapacity":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			fmt.Fprintln(c.term, "poolcapacity takes a positive integer")
			return nil
		}
		cfg.SetPoolCapacity(n)
		fmt.Fprintln(c.term, "Takes effect on the next reload.")
	case "warnunsafe", "convertunsafe":
		b, err := strconv.ParseBool(value)
		if err != nil {
			fmt.Fprintf(c.term, "Error: %v\n", err)
			return nil
		}
		if key == "warnunsafe" {
			cfg.SetWarnUnsafe(b)
		} else {
			cfg.SetConvertUnsafe(b)
		}
	default:
		fmt.Fprintf(c.term, "Unknown setting: %q\n", key)
		return nil
	}
	fmt.Fprintf(c.term, "Set %s to %s.\n", key, value)
	return nil
}

func handleSQL(c *Connection, s string) error {
	q := c.console.db
	if q == nil {
		fmt.Fprintln(c.term, "No database attached.")
		return nil
	}
	stmt := rest(s)
	if stmt == "" {
		fmt.Fprintln(c.term, "usage: sql <statement>")
		return nil
	}

	type outcome struct {
		res *dbtask.Result
		err error
	}
	outcomes := make(chan outcome, 1)
	cb := func(res *dbtask.Result, err error) {
		outcomes <- outcome{res: res, err: err}
	}
	if strings.EqualFold(strings.Fields(stmt)[0], "select") {
		q.Query(stmt, nil, cb)
	} else {
		q.Exec(stmt, nil, cb)
	}
	out := <-outcomes
	if out.err != nil {
		fmt.Fprintf(c.term, "Error: %v\n", out.err)
		return nil
	}
	if len(out.res.Rows) == 0 {
		fmt.Fprintf(c.term, "OK, %s affected.\n", plural.Pluralize("row", int(out.res.Affected), true))
		return nil
	}
	columns := make(sort.StringSlice, 0, len(out.res.Rows[0]))
	for column := range out.res.Rows[0] {
		columns = append(columns, column)
	}
	sort.Sort(columns)
	headers := make([]any, len(columns))
	for idx, column := range columns {
		headers[idx] = column
	}
	t := table.New(headers...).WithWriter(c.term)
	for _, row := range out.res.Rows {
		cells := make([]any, len(columns))
		for idx, column := range columns {
			cells[idx] = row[column]
		}
		t.AddRow(cells...)
	}
	t.Print()
	fmt.Fprintln(c.term, plural.Pluralize("row", len(out.res.Rows), true))
	return nil
}
