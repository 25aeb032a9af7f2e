// Package identity creates the unprivileged runtime user and hands the
// application tree over to it.
package identity

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/example/kiln/internal/failure"
	"github.com/example/kiln/internal/stage"
	"github.com/go-logr/logr"
)

const (
	passwdPath = "/etc/passwd"
	groupPath  = "/etc/group"

	DefaultUID  = 1000
	DefaultName = "app"
)

var nameRE = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// Identity is the fixed non-root user the application runs as.
type Identity struct {
	UID   int    `json:"uid"`
	GID   int    `json:"gid"`
	Name  string `json:"name"`
	Home  string `json:"home,omitempty"`
	Shell string `json:"shell,omitempty"`
}

// Default returns uid/gid 1000 named "app".
func Default() Identity {
	return Identity{UID: DefaultUID, GID: DefaultUID, Name: DefaultName, Home: "/app", Shell: "/sbin/nologin"}
}

// Validate rejects root and malformed identities.
func (id Identity) Validate() error {
	if id.UID <= 0 || id.GID <= 0 {
		return fmt.Errorf("identity %q must not be root (uid=%d gid=%d)", id.Name, id.UID, id.GID)
	}
	if !nameRE.MatchString(id.Name) {
		return fmt.Errorf("invalid user name %q", id.Name)
	}
	return nil
}

// Owner converts the identity into stage ownership.
func (id Identity) Owner() stage.Owner {
	return stage.Owner{UID: id.UID, GID: id.GID}
}

// User renders the uid:gid form used in image configs.
func (id Identity) User() string {
	return strconv.Itoa(id.UID) + ":" + strconv.Itoa(id.GID)
}

// Result describes a completed de-escalation.
type Result struct {
	Identity Identity
	Created  bool
	Owned    int
}

// Deescalate creates id in the stage's account databases, recursively hands
// tree to it, and makes it the effective identity for every later write.
// Every path in covered must lie inside tree.
func Deescalate(log logr.Logger, st *stage.Stage, id Identity, tree string, covered []string) (*Result, error) {
	if err := id.Validate(); err != nil {
		return nil, failure.Identity(id.Name, err)
	}
	tree = path.Clean("/" + strings.TrimPrefix(tree, "/"))
	if tree == "/" {
		return nil, failure.Identity(tree, errors.New("refusing to transfer ownership of the image root"))
	}
	for _, p := range covered {
		if !within(tree, p) {
			return nil, failure.Identity(p, fmt.Errorf("path is outside the application tree %s", tree))
		}
	}
	if id.Home == "" {
		id.Home = tree
	}
	if id.Shell == "" {
		id.Shell = "/sbin/nologin"
	}
	createdUser, err := ensureEntry(st, passwdPath, id.Name, id.UID,
		fmt.Sprintf("%s:x:%d:%d::%s:%s", id.Name, id.UID, id.GID, id.Home, id.Shell),
		"root:x:0:0:root:/root:/bin/sh")
	if err != nil {
		return nil, failure.Identity(passwdPath, err)
	}
	if _, err := ensureEntry(st, groupPath, id.Name, id.GID,
		fmt.Sprintf("%s:x:%d:", id.Name, id.GID),
		"root:x:0:"); err != nil {
		return nil, failure.Identity(groupPath, err)
	}

	owner := id.Owner()
	treeHost, err := st.Path(tree)
	if err != nil {
		return nil, failure.Identity(tree, err)
	}
	if err := st.MkdirAll(tree, 0o755); err != nil {
		return nil, failure.Identity(tree, err)
	}
	lchown := os.Geteuid() == 0
	owned := 0
	apply := func(imagePath, hostPath string) error {
		st.Chown(imagePath, owner)
		owned++
		if lchown {
			if err := os.Lchown(hostPath, id.UID, id.GID); err != nil {
				return err
			}
		}
		return nil
	}
	if err := apply(tree, treeHost); err != nil {
		return nil, failure.Identity(tree, err)
	}
	err = st.Walk(func(imagePath, hostPath string, _ fs.DirEntry) error {
		if !within(tree, imagePath) || imagePath == tree {
			return nil
		}
		return apply(imagePath, hostPath)
	})
	if err != nil {
		return nil, failure.Identity(tree, err)
	}
	if err := st.SetEffective(owner); err != nil {
		return nil, failure.Identity(id.Name, err)
	}
	log.Info("identity de-escalated", "user", id.Name, "uid", id.UID, "tree", tree, "owned", owned)
	return &Result{Identity: id, Created: createdUser, Owned: owned}, nil
}

func within(tree, p string) bool {
	p = path.Clean("/" + strings.TrimPrefix(p, "/"))
	return p == tree || strings.HasPrefix(p, tree+"/")
}

// ensureEntry adds line to an /etc/passwd-style file unless an identical
// name/id binding already exists. A name or id bound to something else is
// a conflict.
func ensureEntry(st *stage.Stage, file, name string, id int, line, seed string) (bool, error) {
	raw, err := st.ReadFile(file)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		raw = []byte(seed + "\n")
	}
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, ":")
		if len(fields) < 3 {
			continue
		}
		existingID, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		switch {
		case fields[0] == name && existingID == id:
			return false, nil
		case fields[0] == name:
			return false, fmt.Errorf("%s already exists with id %d", name, existingID)
		case existingID == id:
			return false, fmt.Errorf("id %d already in use by %s", id, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return false, err
	}
	if len(raw) > 0 && raw[len(raw)-1] != '\n' {
		raw = append(raw, '\n')
	}
	raw = append(raw, []byte(line+"\n")...)
	return true, st.WriteFile(file, raw, 0o644)
}
