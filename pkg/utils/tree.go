package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	indentPrefix    = "    "
	entryPrefix     = "├── "
	lastEntryPrefix = "└── "
	verticalLine    = "│   "
)

// GenerateAndSaveTreeStructure renders the directory tree under targetDir and
// writes it as text to outputFilePath.
func GenerateAndSaveTreeStructure(targetDir, outputFilePath string, log *logrus.Entry) error {
	info, err := os.Stat(targetDir)
	if err != nil {
		return fmt.Errorf("%w: checking target directory '%s': %w", ErrFilesystem, targetDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: '%s' is not a directory", ErrFilesystem, targetDir)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Directory Structure for: %s\n", targetDir)
	fmt.Fprintf(&sb, "%s\n\n", strings.Repeat("=", 25+len(targetDir)))
	fmt.Fprintf(&sb, "%s/\n", filepath.Base(targetDir))

	files, err := renderTree(&sb, targetDir, "")
	if err != nil {
		return fmt.Errorf("generating tree structure for '%s': %w", targetDir, err)
	}
	if _, err := WriteText(outputFilePath, sb.String()); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"target": targetDir, "files": files}).Debug("Directory structure rendered")
	return nil
}

// renderTree appends one line per entry below dirPath, directories first, and
// returns the number of regular files seen.
func renderTree(sb *strings.Builder, dirPath, indent string) (int, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return 0, fmt.Errorf("%w: reading directory '%s': %w", ErrFilesystem, dirPath, err)
	}

	slices.SortFunc(entries, func(a, b os.DirEntry) int {
		if a.IsDir() != b.IsDir() {
			if a.IsDir() {
				return -1
			}
			return 1
		}
		return strings.Compare(strings.ToLower(a.Name()), strings.ToLower(b.Name()))
	})

	files := 0
	for i, entry := range entries {
		isLast := i == len(entries)-1
		connector, nextIndent := entryPrefix, indent+verticalLine
		if isLast {
			connector, nextIndent = lastEntryPrefix, indent+indentPrefix
		}
		sb.WriteString(indent + connector + entry.Name() + "\n")

		if !entry.IsDir() {
			files++
			continue
		}
		n, err := renderTree(sb, filepath.Join(dirPath, entry.Name()), nextIndent)
		if err != nil {
			return files, err
		}
		files += n
	}
	return files, nil
}
