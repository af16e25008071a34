// Package ptyrun bridges a forked PTY-backed shell to a websocket session
// opened back to the control plane, registering the live session in
// internal/ptyreg so a later resizepty request can find it.
package ptyrun

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"

	"github.com/alpacax/alpamon-go/internal/alog"
	"github.com/alpacax/alpamon-go/internal/config"
	"github.com/alpacax/alpamon-go/internal/ptyreg"
)

var log = alog.New("ptyrun")

// SpawnArgs is the fully-validated payload of an openpty command.
type SpawnArgs struct {
	SessionID     string
	URL           string
	Username      string
	Groupname     string
	HomeDirectory string
	Rows          int
	Cols          int
	Argv          []string
}

// Session is the live PTY bridge registered into ptyreg.Registry. It
// implements ptyreg.Session.
type Session struct {
	id   string
	pty  *os.File
	cmd  *exec.Cmd
	conn *websocket.Conn
}

var _ ptyreg.Session = (*Session)(nil)

// Registrar is the subset of ptyreg.Registry (or a decorator like
// ptyreg.RedisRegistry) a spawned session needs: enough to register
// itself under its id and deregister on close, without Spawn depending on
// a single concrete registry type.
type Registrar interface {
	Insert(id string, s ptyreg.Session)
	Remove(id string)
}

// Resize applies TIOCSWINSZ with the requested rows/cols.
func (s *Session) Resize(rows, cols int) error {
	return pty.Setsize(s.pty, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Close sends SIGKILL to the child, reaps it, and closes the pty fd and
// the websocket connection. Safe to call more than once.
func (s *Session) Close() error {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGKILL)
		_, _ = s.cmd.Process.Wait()
	}
	_ = s.pty.Close()
	return s.conn.Close()
}

// Spawn opens the control-plane websocket at args.URL, forks argv into a
// new PTY with privileges dropped to args.Username/Groupname, registers
// the session into reg, and runs the PTY↔websocket pumps until either
// side closes. It returns once the bridge has shut down.
func Spawn(ctx context.Context, s *config.Settings, reg Registrar, args SpawnArgs) error {
	header := map[string][]string{"Authorization": {s.AuthHeader()}}
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, args.URL, header)
	if err != nil {
		return fmt.Errorf("ptyrun: dialing session channel: %w", err)
	}

	cmd := exec.Command(args.Argv[0], args.Argv[1:]...)
	cmd.Dir = args.HomeDirectory
	cmd.Env = os.Environ()

	cred, err := credentialFor(args.Username, args.Groupname)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ptyrun: resolving credentials for %s: %w", args.Username, err)
	}
	if cred != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred, Setsid: true}
	}

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(args.Rows), Cols: uint16(args.Cols)})
	if err != nil {
		conn.Close()
		return fmt.Errorf("ptyrun: starting pty: %w", err)
	}

	session := &Session{id: args.SessionID, pty: f, cmd: cmd, conn: conn}
	reg.Insert(args.SessionID, session)
	defer reg.Remove(args.SessionID)
	defer session.Close()

	errCh := make(chan error, 2)
	go pumpPTYToSocket(f, conn, errCh)
	go pumpSocketToPTY(conn, f, errCh)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// pumpPTYToSocket reads from the pty and writes each chunk as a text
// websocket frame. Byte spans that fail UTF-8 decoding are skipped rather
// than tearing down the session, since a partial multi-byte rune can
// legitimately straddle a read boundary.
func pumpPTYToSocket(f *os.File, conn *websocket.Conn, errCh chan<- error) {
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if chunk := bytes.ToValidUTF8(buf[:n], nil); len(chunk) > 0 {
			if err := conn.WriteMessage(websocket.TextMessage, chunk); err != nil {
				errCh <- err
				return
			}
		}
		if err != nil {
			errCh <- err
			return
		}
	}
}

// pumpSocketToPTY reads frames from the websocket and writes the raw bytes
// into the pty, so the remote side's keystrokes and resize-out-of-band
// frames (handled by the registry's Resize, not here) reach the shell.
func pumpSocketToPTY(conn *websocket.Conn, f *os.File, errCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		if _, err := f.Write(data); err != nil {
			errCh <- err
			return
		}
	}
}

// credentialFor resolves a syscall.Credential for username/groupname,
// including supplementary groups. Mirrors shell.demoteCredential's
// root-check fallback: when the agent itself isn't running as root, it
// logs a warning and returns a nil credential rather than an error, so the
// session proceeds under the agent's own identity.
func credentialFor(username, groupname string) (*syscall.Credential, error) {
	if username == "" || username == "root" {
		return nil, nil
	}
	if syscall.Getuid() != 0 {
		log.Warnf("alpamon is not running as root; pty session for %s will run as the current user", username)
		return nil, nil
	}

	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("no such user %s: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("invalid uid for %s: %w", username, err)
	}
	gid := uid
	if groupname != "" {
		g, err := user.LookupGroup(groupname)
		if err != nil {
			return nil, fmt.Errorf("no such group %s: %w", groupname, err)
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return nil, fmt.Errorf("invalid gid for %s: %w", groupname, err)
		}
	}

	groupIDs, _ := u.GroupIds()
	supplementary := make([]uint32, 0, len(groupIDs))
	for _, gidStr := range groupIDs {
		if n, err := strconv.Atoi(gidStr); err == nil {
			supplementary = append(supplementary, uint32(n))
		}
	}

	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid), Groups: supplementary}, nil
}
