//go:build !linux

package acl

import (
	"encoding/json"
	"os"
	"os/exec"
)

// statBlob without raw Stat_t access: mode, size, mtime only.
func statBlob(fi os.FileInfo) (string, error) {
	blob := struct {
		Mode  string  `json:"mode"`
		Size  int64   `json:"size"`
		Mtime float64 `json:"mtime"`
	}{
		Mode:  fi.Mode().String(),
		Size:  fi.Size(),
		Mtime: float64(fi.ModTime().UnixNano()) / 1e9,
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// setKillGroup is a no-op off Linux; getfacl is never spawned there.
func setKillGroup(cmd *exec.Cmd) {}
