//go:build linux

package acl

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// statBlob serialises the stat facts the fallback strategy captures.
// Field order matches the blob the rest of the pipeline round-trips.
func statBlob(fi os.FileInfo) (string, error) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return "", fmt.Errorf("no raw stat data for %s", fi.Name())
	}
	blob := struct {
		Mode  string  `json:"mode"`
		UID   uint32  `json:"uid"`
		GID   uint32  `json:"gid"`
		Size  int64   `json:"size"`
		Mtime float64 `json:"mtime"`
		Atime float64 `json:"atime"`
		Ctime float64 `json:"ctime"`
	}{
		Mode:  fmt.Sprintf("0o%o", st.Mode),
		UID:   st.Uid,
		GID:   st.Gid,
		Size:  st.Size,
		Mtime: timespecSeconds(st.Mtim),
		Atime: timespecSeconds(st.Atim),
		Ctime: timespecSeconds(st.Ctim),
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func timespecSeconds(ts syscall.Timespec) float64 {
	return float64(ts.Sec) + float64(ts.Nsec)/1e9
}

// setKillGroup makes the subprocess its own process group and arranges for
// cancellation to SIGKILL the whole group, so a forked getfacl cannot
// outlive a timeout.
func setKillGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	// If the group kill races a dying child, Wait still returns.
	cmd.WaitDelay = 5 * time.Second
}
