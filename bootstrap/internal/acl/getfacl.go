package acl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// GetfaclExtractor shells out to `getfacl -c` and falls back to stat when
// the tool is missing, fails, or the platform has no getfacl at all. This
// is the default strategy: getfacl sees the POSIX ACLs CIFS mounts expose,
// which plain mode bits do not.
type GetfaclExtractor struct{}

// Name implements Extractor.
func (e *GetfaclExtractor) Name() string { return "getfacl+stat" }

// Extract implements Extractor.
func (e *GetfaclExtractor) Extract(ctx context.Context, path string, timeout time.Duration) Result {
	if r := e.tryGetfacl(ctx, path, timeout); r.Captured {
		return r
	}
	return (&StatExtractor{}).Extract(ctx, path, timeout)
}

func (e *GetfaclExtractor) tryGetfacl(ctx context.Context, path string, timeout time.Duration) Result {
	if runtime.GOOS != "linux" {
		return Result{Method: "getfacl", Error: fmt.Sprintf("getfacl not available on %s", runtime.GOOS)}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "getfacl", "-c", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	setKillGroup(cmd)

	// Run waits for the child, so the process is reaped before we return
	// even when the context kills it.
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return Result{Method: "getfacl", Error: fmt.Sprintf("timeout after %s", timeout)}
	}
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			// Tool missing is not an error, just a downgrade to stat.
			return Result{Method: "getfacl", Error: "getfacl command not found"}
		}
		msg := lossyString(stderr.Bytes())
		if msg == "" {
			msg = err.Error()
		}
		return Result{Method: "getfacl", Error: msg}
	}

	text := strings.TrimSpace(lossyString(stdout.Bytes()))
	return Result{RawACL: &text, Captured: true, Method: "getfacl"}
}

// lossyString decodes possibly non-UTF-8 tool output, replacing invalid
// bytes rather than dropping the blob.
func lossyString(b []byte) string {
	return strings.ToValidUTF8(strings.TrimSpace(string(b)), "�")
}
