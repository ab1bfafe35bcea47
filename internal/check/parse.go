package check

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-tangra/go-tangra-audit/internal/store"
)

// maxLine bounds a single line of command output.
const maxLine = 1024 * 1024

// lines splits s into non-blank lines. It fails rather than return a
// prefix of the output when a line exceeds maxLine.
func lines(s string) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("after line %d: %w", len(out), err)
	}
	return out, nil
}

// parseOSRelease reads /etc/os-release style KEY=value output. Output that
// has no NAME key is treated as a single-line release file such as
// /etc/centos-release.
func parseOSRelease(out string) (store.OSInfo, error) {
	var info store.OSInfo
	all, err := lines(out)
	if err != nil {
		return info, err
	}
	found := false
	for _, line := range all {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		switch strings.TrimSpace(key) {
		case "NAME":
			info.Name = value
			found = true
		case "VERSION_ID":
			info.VersionID = value
		case "ID":
			info.OSID = value
		}
	}
	if found {
		return info, nil
	}

	// "CentOS release 6.10 (Final)"
	release := strings.TrimSpace(out)
	if release == "" {
		return info, nil
	}
	info.Name = release
	if name, rest, ok := strings.Cut(release, " release "); ok {
		info.Name = name
		info.VersionID, _, _ = strings.Cut(rest, " ")
		info.OSID = strings.ToLower(strings.Fields(name)[0])
	}
	return info, nil
}

// parseRPMQuery parses NAME|EPOCH|VERSION|RELEASE|ARCH|INSTALLTIME lines.
func parseRPMQuery(out string) ([]store.Package, error) {
	all, err := lines(out)
	if err != nil {
		return nil, err
	}
	var pkgs []store.Package
	for i, line := range all {
		parts := strings.Split(line, "|")
		if len(parts) < 5 {
			return nil, fmt.Errorf("line %d: expected 6 fields, got %d", i+1, len(parts))
		}
		for len(parts) < 6 {
			parts = append(parts, "")
		}

		p := store.Package{
			Name:    parts[0],
			Epoch:   parts[1],
			Version: parts[2],
			Release: parts[3],
			Arch:    parts[4],
		}
		if p.Epoch == "(none)" {
			p.Epoch = ""
		}
		if ts, err := strconv.ParseInt(strings.TrimSpace(parts[5]), 10, 64); err == nil {
			p.InstallTime = &ts
		}
		pkgs = append(pkgs, p)
	}
	return pkgs, nil
}

// rpm file attribute markers printed between the flags and the path.
var rpmFileTypes = map[string]bool{
	"c": true, // config
	"d": true, // documentation
	"g": true, // ghost
	"l": true, // license
	"r": true, // readme
	"a": true, // artifact
}

// parseRPMVerify parses rpm -Va output, e.g.
//
//	S.5....T.  c /etc/ssh/sshd_config
//	missing     /usr/lib/foo
func parseRPMVerify(out string) ([]store.VerifiedFile, error) {
	all, err := lines(out)
	if err != nil {
		return nil, err
	}
	var files []store.VerifiedFile
	for _, line := range all {
		fields := splitFields(line, 2)
		if len(fields) < 2 {
			continue
		}
		f := store.VerifiedFile{Flags: fields[0]}
		rest := fields[1]
		if parts := splitFields(rest, 2); len(parts) == 2 && rpmFileTypes[parts[0]] {
			f.FileType = parts[0]
			rest = parts[1]
		}
		f.Path = strings.TrimSpace(rest)
		if !strings.HasPrefix(f.Path, "/") {
			continue
		}
		files = append(files, f)
	}
	return files, nil
}

var ssUsers = regexp.MustCompile(`users:\(\("([^"]+)",pid=(\d+)`)

// parseSS parses ss -lntup output.
func parseSS(out string) ([]store.ListenSocket, error) {
	all, err := lines(out)
	if err != nil {
		return nil, err
	}
	var sockets []store.ListenSocket
	for _, line := range all {
		cols := strings.Fields(line)
		if len(cols) < 5 || cols[0] == "Netid" {
			continue
		}
		s := store.ListenSocket{
			Proto:     cols[0],
			State:     cols[1],
			LocalAddr: cols[4],
		}
		if m := ssUsers.FindStringSubmatch(line); m != nil {
			s.Process = m[1]
			if pid, err := strconv.Atoi(m[2]); err == nil {
				s.PID = &pid
			}
		}
		sockets = append(sockets, s)
	}
	return sockets, nil
}

// parseNetstat parses netstat -lntup output. UDP rows carry no state
// column.
func parseNetstat(out string) ([]store.ListenSocket, error) {
	all, err := lines(out)
	if err != nil {
		return nil, err
	}
	var sockets []store.ListenSocket
	for _, line := range all {
		cols := strings.Fields(line)
		if len(cols) < 5 {
			continue
		}
		proto := cols[0]
		if !strings.HasPrefix(proto, "tcp") && !strings.HasPrefix(proto, "udp") {
			continue
		}

		s := store.ListenSocket{Proto: proto, LocalAddr: cols[3]}
		owner := ""
		if strings.HasPrefix(proto, "tcp") {
			if len(cols) > 5 {
				s.State = cols[5]
			}
			if len(cols) > 6 {
				owner = cols[6]
			}
		} else {
			s.State = "UNCONN"
			if len(cols) > 5 {
				owner = cols[5]
			}
		}

		if pidStr, name, ok := strings.Cut(owner, "/"); ok {
			if pid, err := strconv.Atoi(pidStr); err == nil {
				s.PID = &pid
				s.Process = name
			}
		}
		sockets = append(sockets, s)
	}
	return sockets, nil
}

// parsePS parses ps -eo pid,ppid,user,lstart,etime,cmd --no-headers. lstart
// is always five words, e.g. "Mon Oct 19 10:00:00 2026".
func parsePS(out string) ([]store.Process, error) {
	all, err := lines(out)
	if err != nil {
		return nil, err
	}
	var procs []store.Process
	for i, line := range all {
		f := splitFields(line, 10)
		if len(f) < 9 {
			return nil, fmt.Errorf("line %d: expected at least 9 fields, got %d", i+1, len(f))
		}
		pid, err := strconv.Atoi(f[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: pid %q: %w", i+1, f[0], err)
		}
		ppid, err := strconv.Atoi(f[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: ppid %q: %w", i+1, f[1], err)
		}
		p := store.Process{
			PID:       pid,
			PPID:      ppid,
			User:      f[2],
			StartTime: strings.Join(f[3:8], " "),
			ETime:     f[8],
		}
		if len(f) > 9 {
			p.Cmd = f[9]
		}
		procs = append(procs, p)
	}
	return procs, nil
}
