//go:build unix

package launch

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/example/kiln/internal/identity"
)

func applyCredential(cmd *exec.Cmd, id identity.Identity) {
	if os.Geteuid() != 0 || id.UID == 0 {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(id.UID), Gid: uint32(id.GID)},
		Setpgid:    true,
	}
}

func fileOwner(fi os.FileInfo) (int, bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return int(st.Uid), true
}
