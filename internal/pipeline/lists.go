package pipeline

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadPIDList reads a newline-delimited opt-out file of patient
// identifiers. Blank lines and #-comments are skipped.
func LoadPIDList(path string) (map[string]bool, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, fmt.Errorf("opt-out list: %w", err)
	}
	pids := make(map[string]bool, len(lines))
	for _, l := range lines {
		pids[l] = true
	}
	return pids, nil
}

// LoadWordList reads a newline-delimited list of site-configured
// always-scrub words.
func LoadWordList(path string) ([]string, error) {
	words, err := readLines(path)
	if err != nil {
		return nil, fmt.Errorf("scrub word list: %w", err)
	}
	return words, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
