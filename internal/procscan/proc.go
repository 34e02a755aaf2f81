package procscan

import (
	"errors"
	"io/fs"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"
)

const maxCommandLen = 256

type procInfo struct {
	uid     int
	hasUID  bool
	user    string
	name    string
	command string
}

type procReader struct {
	root *os.Root

	mu        sync.Mutex
	userCache map[int]string
}

func newProcReader(root *os.Root) *procReader {
	return &procReader{
		root:      root,
		userCache: make(map[int]string),
	}
}

// read collects what /proc/<pid> exposes. Missing pieces are left empty:
// processes in other pid namespaces are not visible at all.
func (r *procReader) read(pid int) (procInfo, bool) {
	if r == nil || r.root == nil {
		return procInfo{}, false
	}
	procDir, err := r.root.OpenRoot(strconv.Itoa(pid))
	if err != nil {
		return procInfo{}, false
	}
	defer procDir.Close()

	var info procInfo
	if comm, err := readTrimmed(procDir, "comm"); err == nil {
		info.name = comm
	}
	if cmdline, err := procDir.ReadFile("cmdline"); err == nil {
		info.command = formatCmdline(cmdline)
	}
	if uid, err := readUID(procDir, "status"); err == nil {
		info.uid = uid
		info.hasUID = true
		info.user = r.lookupUser(uid)
	}
	return info, true
}

func (r *procReader) lookupUser(uid int) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name, ok := r.userCache[uid]; ok {
		return name
	}
	name := strconv.Itoa(uid)
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil && u.Username != "" {
		name = u.Username
	}
	r.userCache[uid] = name
	return name
}

func readTrimmed(root *os.Root, name string) (string, error) {
	if root == nil {
		return "", fs.ErrNotExist
	}
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readUID(root *os.Root, name string) (int, error) {
	if root == nil {
		return 0, fs.ErrNotExist
	}
	data, err := root.ReadFile(name)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "Uid:") {
			continue
		}
		fields := strings.Fields(line[len("Uid:"):])
		if len(fields) == 0 {
			continue
		}
		return strconv.Atoi(fields[0])
	}
	return 0, errors.New("uid not found")
}

func formatCmdline(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	parts := strings.Split(string(data), "\x00")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	cmd := strings.Join(out, " ")
	if len(cmd) > maxCommandLen {
		return cmd[:maxCommandLen]
	}
	return cmd
}
