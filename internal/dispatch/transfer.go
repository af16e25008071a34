package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"syscall"
	"time"
)

// transferPayload is the body carried in a download/upload command's data
// field: type/content describe the file content (download only), username/
// groupname name the destination owner to drop privileges to before
// touching the filesystem.
type transferPayload struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Username  string `json:"username"`
	Groupname string `json:"groupname"`
}

// transferVerb validates download/upload's required PATH argument; the
// body shape arrives via the command's data field and is resolved when
// Execute runs. download writes resolved content to PATH; upload reads
// PATH back out, base64-encoded in the result. Both drop privileges to the
// payload's username/groupname before touching the filesystem.
type transferVerb struct {
	kind  string
	path  string
	extra CommandExtra
}

func newTransferVerb(kind string, args []string, extra CommandExtra) (Verb, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("%w: %s requires a PATH", ErrMissingField, kind)
	}
	return transferVerb{kind: kind, path: args[0], extra: extra}, nil
}

func (v transferVerb) Execute(ctx context.Context, deps Deps) (int, string) {
	switch v.kind {
	case "download":
		return v.download(ctx)
	case "upload":
		return v.upload()
	default:
		return 1, fmt.Sprintf("unsupported transfer kind %q", v.kind)
	}
}

func (v transferVerb) parsePayload() (transferPayload, error) {
	var payload transferPayload
	if len(v.extra.Data) > 0 {
		if err := json.Unmarshal(v.extra.Data, &payload); err != nil {
			return payload, fmt.Errorf("invalid transfer payload: %w", err)
		}
	}
	return payload, nil
}

func (v transferVerb) download(ctx context.Context) (int, string) {
	payload, err := v.parsePayload()
	if err != nil {
		return 1, err.Error()
	}

	content, err := resolveContent(ctx, payload)
	if err != nil {
		return 1, err.Error()
	}

	var writeErr error
	runPrivileged(payload.Username, payload.Groupname, func() {
		writeErr = os.WriteFile(v.path, content, 0644)
	})
	if writeErr != nil {
		return 1, writeErr.Error()
	}
	return 0, fmt.Sprintf("wrote %d bytes to %s", len(content), v.path)
}

func (v transferVerb) upload() (int, string) {
	payload, err := v.parsePayload()
	if err != nil {
		return 1, err.Error()
	}

	var (
		content []byte
		readErr error
	)
	runPrivileged(payload.Username, payload.Groupname, func() {
		content, readErr = os.ReadFile(v.path)
	})
	if readErr != nil {
		return 1, readErr.Error()
	}
	return 0, base64.StdEncoding.EncodeToString(content)
}

func resolveContent(ctx context.Context, p transferPayload) ([]byte, error) {
	switch p.Type {
	case "url":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Content, nil)
		if err != nil {
			return nil, fmt.Errorf("building download request: %w", err)
		}
		client := &http.Client{Timeout: 5 * time.Minute}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", p.Content, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("fetching %s: unexpected status %d", p.Content, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	case "base64":
		return base64.StdEncoding.DecodeString(p.Content)
	case "text", "":
		return []byte(p.Content), nil
	default:
		return nil, fmt.Errorf("%w: unknown transfer content type %q", ErrMissingField, p.Type)
	}
}

// runPrivileged runs fn on a dedicated, newly-locked OS thread after
// dropping to username/groupname, the Go analogue of forking a child that
// drops privileges before touching the filesystem. Falls back to running
// fn under the agent's current identity, with a warning, when username is
// empty/root or the agent itself isn't running as root.
func runPrivileged(username, groupname string, fn func()) {
	if username == "" || username == "root" || syscall.Getuid() != 0 {
		if username != "" && username != "root" {
			log.Warnf("alpamon is not running as root; running transfer as the current user")
		}
		fn()
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		// Never UnlockOSThread: once this goroutine drops privileges the
		// underlying OS thread must not go back into the scheduler's pool
		// and be handed to unrelated, unprivileged work afterward.

		u, err := user.Lookup(username)
		if err != nil {
			log.Errorf("transfer: no such user %s: %v", username, err)
			return
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			log.Errorf("transfer: invalid uid for %s: %v", username, err)
			return
		}
		gid := uid
		if groupname != "" {
			g, err := user.LookupGroup(groupname)
			if err != nil {
				log.Errorf("transfer: no such group %s: %v", groupname, err)
				return
			}
			gid, err = strconv.Atoi(g.Gid)
			if err != nil {
				log.Errorf("transfer: invalid gid for %s: %v", groupname, err)
				return
			}
		}

		if err := syscall.Setregid(gid, gid); err != nil {
			log.Errorf("transfer: setregid: %v", err)
			return
		}
		if err := syscall.Setreuid(uid, uid); err != nil {
			log.Errorf("transfer: setreuid: %v", err)
			return
		}

		fn()
	}()
	<-done
}
