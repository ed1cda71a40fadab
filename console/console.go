// Package console is the SSH developer console for a running bridge. Sessions
// run on their own goroutines and marshal every touch of the runtime onto the
// main tick loop through the dispatch function.
package console

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"regexp"

	"github.com/gliderlabs/ssh"
	"github.com/pkg/errors"
	"github.com/zond/mudbridge"
	"github.com/zond/mudbridge/dbtask"
	"github.com/zond/mudbridge/js"
	"github.com/zond/mudbridge/structs"
	"github.com/zond/mudbridge/worldtest"
	"golang.org/x/term"
)

var (
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// interfaceName is the script domain console sessions evaluate in.
const interfaceName = "console"

type Console struct {
	ctx      context.Context
	config   *structs.Config
	rt       *js.Runtime
	world    *worldtest.World
	db       *dbtask.Queue
	dispatch func(func())

	secretHash string
	limiter    *authRateLimiter
}

// New wires a console to the bridge. ctx must be the main tick loop's marked
// context, and dispatch must run its argument on the main tick goroutine.
func New(ctx context.Context, config *structs.Config, rt *js.Runtime, world *worldtest.World, dispatch func(func())) *Console {
	return &Console{
		ctx:      ctx,
		config:   config,
		rt:       rt,
		world:    world,
		dispatch: dispatch,
		limiter:  newAuthRateLimiter(),
	}
}

// SetDB attaches a database queue, enabling the sql command.
func (c *Console) SetDB(q *dbtask.Queue) {
	c.db = q
}

// SetSecretHash requires sessions to authenticate against the given
// PHC-format hash. Empty means no authentication.
func (c *Console) SetSecretHash(hash string) {
	c.secretHash = hash
}

// PasswordHandler is the SSH server's password callback.
func (c *Console) PasswordHandler(ctx ssh.Context, password string) bool {
	if c.secretHash == "" {
		return true
	}
	host, _, err := net.SplitHostPort(ctx.RemoteAddr().String())
	if err != nil {
		host = ctx.RemoteAddr().String()
	}
	c.limiter.waitIfNeeded(host)
	if verifySecret(password, c.secretHash) {
		c.limiter.clearFailure(host)
		return true
	}
	c.limiter.recordFailure(host)
	return false
}

// do runs f on the main tick goroutine and waits for it.
func (c *Console) do(f func() error) error {
	errs := make(chan error, 1)
	c.dispatch(func() {
		errs <- f()
	})
	return <-errs
}

// iface returns the console script domain, creating it on first use. Main
// tick goroutine only.
func (c *Console) iface() (*js.Interface, error) {
	if i, found := c.rt.Interface(interfaceName); found {
		return i, nil
	}
	return c.rt.NewInterface(interfaceName)
}

func (c *Console) HandleSession(sess ssh.Session) {
	conn := &Connection{
		console: c,
		sess:    sess,
		term:    term.NewTerminal(sess, "> "),
	}
	if err := conn.Process(); err != nil {
		if !errors.Is(err, io.EOF) {
			fmt.Fprintf(conn.term, "InternalServerError: %v\n", err)
			log.Println(err)
			log.Println(mudbridge.StackTrace(err))
		}
	}
}

// Connection is one console session.
type Connection struct {
	console *Console
	sess    ssh.Session
	term    *term.Terminal
}

const defaultTermWidth = 80

// TermWidth returns the terminal width in columns, falling back to
// defaultTermWidth if PTY info is unavailable.
func (c *Connection) TermWidth() int {
	pty, _, ok := c.sess.Pty()
	if !ok || pty.Window.Width <= 0 {
		return defaultTermWidth
	}
	return pty.Window.Width
}

func (c *Connection) Process() error {
	fmt.Fprint(c.term, "Bridge console. Try [help].\n\n")
	cmds := c.commands()
	for {
		line, err := c.term.ReadLine()
		if err != nil {
			return mudbridge.WithStack(err)
		}
		words := whitespacePattern.Split(line, -1)
		if len(words) == 0 || words[0] == "" {
			continue
		}
		found, err := cmds.attempt(c, words[0], line)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			fmt.Fprintln(c.term, err)
		} else if !found {
			fmt.Fprintf(c.term, "Unknown command: %q\n", words[0])
		}
	}
}
