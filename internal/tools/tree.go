package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxTreeDepth = 4

// skipDirs are never descended into when rendering the project tree.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".venv":        true,
}

// ProjectTree renders the directory structure under root as an
// indented listing, depth-limited to keep the output bounded.
func ProjectTree(root string) (string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", root)
	}

	var b strings.Builder
	b.WriteString(filepath.Base(root) + "/\n")
	if err := walkTree(&b, root, 1); err != nil {
		return "", err
	}
	return b.String(), nil
}

func walkTree(b *strings.Builder, dir string, depth int) error {
	if depth > maxTreeDepth {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		// Directories first, then lexical.
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	indent := strings.Repeat("  ", depth)
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") && name != ".gitignore" {
			continue
		}
		if e.IsDir() {
			if skipDirs[name] {
				continue
			}
			b.WriteString(indent + name + "/\n")
			if err := walkTree(b, filepath.Join(dir, name), depth+1); err != nil {
				return err
			}
			continue
		}
		b.WriteString(indent + name + "\n")
	}
	return nil
}
