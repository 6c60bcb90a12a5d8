// Package vfs translates Windows NT paths into a jailed host directory and
// refuses any translation that would escape it (spec.md §4.3.2, §6.3).
package vfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf16"

	"golang.org/x/sys/unix"
)

// ErrEscape is returned when a path attempts to leave the jail root, or
// names a device/UNC path that has no meaning inside one.
var ErrEscape = errors.New("vfs: path escapes jail or is not representable")

// Jail confines all guest path translations to a single host directory.
type Jail struct {
	root string // absolute, no trailing slash (unless root itself is "/")
}

// New resolves root to an absolute path and verifies it is a directory.
func New(root string) (*Jail, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("vfs: resolve jail root %q: %w", root, err)
	}
	var st unix.Stat_t
	if err := unix.Stat(abs, &st); err != nil {
		return nil, fmt.Errorf("vfs: stat jail root %q: %w", abs, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, fmt.Errorf("vfs: jail root %q is not a directory", abs)
	}
	abs = strings.TrimRight(abs, "/")
	if abs == "" {
		abs = "/"
	}
	return &Jail{root: abs}, nil
}

// Root returns the jail's absolute host directory.
func (j *Jail) Root() string { return j.root }

// DecodeUTF16 converts a little-endian UTF-16 guest string (as read out of
// a UNICODE_STRING buffer) to a Go string.
func DecodeUTF16(words []uint16) string {
	return string(utf16.Decode(words))
}

// Translate converts a Windows path (\??\C:\..., C:\..., \path\..., or a
// bare relative path) into a host path confined to the jail, per spec.md
// §6.3. Device paths (\Device\...) and UNC paths (\\server\share) are
// rejected outright, matching the original vfs_jail.c.
func (j *Jail) Translate(winPath string) (string, error) {
	p := winPath

	// \\server\share - UNC, reject.
	if strings.HasPrefix(p, `\\`) {
		return "", fmt.Errorf("%w: UNC path %q", ErrEscape, winPath)
	}

	// \??\ prefix.
	p = strings.TrimPrefix(p, `\??\`)

	// \Device\... - reject regardless of case.
	stripped := strings.TrimPrefix(p, `\`)
	if len(stripped) >= 7 && strings.EqualFold(stripped[:7], `Device\`) {
		return "", fmt.Errorf("%w: device path %q", ErrEscape, winPath)
	}

	// Drive letter, e.g. "C:".
	if len(p) >= 2 && isDriveLetter(p[0]) && p[1] == ':' {
		p = p[2:]
	}

	p = strings.ReplaceAll(p, `\`, "/")

	depth := 0
	var out []string
	for _, comp := range strings.Split(p, "/") {
		switch comp {
		case "", ".":
			continue
		case "..":
			depth--
			if depth < 0 {
				return "", fmt.Errorf("%w: %q escapes jail root", ErrEscape, winPath)
			}
			out = out[:len(out)-1]
		default:
			depth++
			out = append(out, comp)
		}
	}

	host := j.root
	if len(out) > 0 {
		host = filepath.Join(j.root, filepath.Join(out...))
	}
	return host, nil
}

func isDriveLetter(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

// Confine verifies that hostPath (or its parent, if hostPath does not yet
// exist) resolves — after following symlinks — to somewhere inside the
// jail. This catches escapes via symlinks that Translate's lexical
// resolution cannot see.
func (j *Jail) Confine(hostPath string) error {
	resolved, err := filepath.EvalSymlinks(hostPath)
	if err != nil {
		resolved, err = filepath.EvalSymlinks(filepath.Dir(hostPath))
		if err != nil {
			return fmt.Errorf("%w: cannot resolve %q: %v", ErrEscape, hostPath, err)
		}
	}
	if resolved != j.root && !strings.HasPrefix(resolved, j.root+"/") {
		return fmt.Errorf("%w: %q resolves outside jail %q", ErrEscape, hostPath, j.root)
	}
	return nil
}

// dllSearchDirs are the jail-relative directories searched, in order, for a
// bare DLL name (vfs_find_dll is declared but its body is not present in
// the reference source available here; this mirrors the standard XP DLL
// search order restricted to what the jail can see).
var dllSearchDirs = []string{
	"Windows/System32",
	"windows/system32",
	"Windows/SysWOW64",
	"Windows",
	"",
}

// FindDLL searches the jail for a file matching dllName (case-insensitive)
// in dllSearchDirs, returning the first host path found.
func (j *Jail) FindDLL(dllName string) (string, error) {
	for _, dir := range dllSearchDirs {
		hostDir := j.root
		if dir != "" {
			hostDir = filepath.Join(j.root, dir)
		}
		entries, err := os.ReadDir(hostDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if strings.EqualFold(e.Name(), dllName) {
				hostPath := filepath.Join(hostDir, e.Name())
				if err := j.Confine(hostPath); err != nil {
					continue
				}
				return hostPath, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %q not found under jail root %q", ErrEscape, dllName, j.root)
}

// TranslateAndConfine is the full path-translation contract of spec.md
// §6.3: translate, then confine.
func (j *Jail) TranslateAndConfine(winPath string) (string, error) {
	host, err := j.Translate(winPath)
	if err != nil {
		return "", err
	}
	if err := j.Confine(host); err != nil {
		return "", err
	}
	return host, nil
}
