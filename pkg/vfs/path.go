package vfs

import (
	"fmt"
	"strings"

	"kernsim/pkg/errno"
)

// Path errors.
var (
	ErrEmptyPath   = fmt.Errorf("vfs: empty path: %w", errno.EINVAL)
	ErrPathTooLong = fmt.Errorf("vfs: path too long: %w", errno.ENAMETOOLONG)
	ErrInvalidPath = fmt.Errorf("vfs: invalid path: %w", errno.EINVAL)
)

// PathMax is the longest path accepted, terminating NUL included.
const PathMax = 1024

// Clean normalizes p to an absolute slash-separated path without "." or
// ".." elements. ".." never climbs above the root.
func Clean(p string) string {
	if p == "" {
		return "/"
	}

	var result []string
	for _, comp := range strings.Split(p, "/") {
		switch comp {
		case "", ".":
			continue
		case "..":
			if len(result) > 0 {
				result = result[:len(result)-1]
			}
		default:
			result = append(result, comp)
		}
	}

	if len(result) == 0 {
		return "/"
	}
	return "/" + strings.Join(result, "/")
}

// Split splits the path into its parent directory and final element.
func Split(p string) (dir, base string) {
	p = Clean(p)
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/", p[1:]
	}
	return p[:i], p[i+1:]
}

// Dir returns all but the last element of the path.
func Dir(p string) string {
	dir, _ := Split(p)
	return dir
}

// Base returns the last element of the path, or "" for the root.
func Base(p string) string {
	_, base := Split(p)
	return base
}

// Join joins path elements into a single clean path.
func Join(elem ...string) string {
	return Clean(strings.Join(elem, "/"))
}

// Components returns the elements of the cleaned path, root excluded.
func Components(p string) []string {
	p = Clean(p)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}

// ValidatePath checks that p can be resolved.
func ValidatePath(p string) error {
	if p == "" {
		return ErrEmptyPath
	}
	if len(p) >= PathMax {
		return ErrPathTooLong
	}
	if strings.IndexByte(p, 0) >= 0 {
		return ErrInvalidPath
	}
	return nil
}

// DeviceName splits a device path such as "con:" into the device name. ok
// is false for ordinary paths.
func DeviceName(p string) (name string, ok bool) {
	i := strings.IndexByte(p, ':')
	if i <= 0 || strings.Contains(p[:i], "/") {
		return "", false
	}
	return p[:i], true
}
