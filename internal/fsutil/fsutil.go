package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var frameExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
}

// IsFrame reports whether path has a FITS extension, ignoring case.
func IsFrame(path string) bool {
	_, ok := frameExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ListFrames returns all FITS files under root in lexical order.
func ListFrames(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsFrame(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// ExpandFrames resolves a mix of files and directories into an ordered list
// of FITS files. Explicit file arguments keep their position; directories
// expand in place. Non-FITS files named explicitly are rejected.
func ExpandFrames(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			files, err := ListFrames(arg)
			if err != nil {
				return nil, err
			}
			sort.Strings(files)
			out = append(out, files...)
			continue
		}
		if !IsFrame(arg) {
			return nil, fmt.Errorf("%s is not a FITS file", arg)
		}
		out = append(out, arg)
	}
	return out, nil
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
