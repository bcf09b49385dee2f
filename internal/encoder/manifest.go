package encoder

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Segment is one finalized encoder output chunk reported by the manifest.
type Segment struct {
	Path        string
	StartOffset float64
	EndOffset   float64
}

// readManifest parses the encoder's CSV segment list. Rows are
// filename,start_offset,end_offset; malformed rows are skipped. Filenames
// are resolved relative to the manifest's directory.
func readManifest(path string) ([]Segment, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	dir := filepath.Dir(path)
	var segments []Segment
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			continue
		}
		start, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		if err != nil {
			continue
		}
		name := strings.TrimSpace(fields[0])
		if !filepath.IsAbs(name) {
			name = filepath.Join(dir, name)
		}
		segments = append(segments, Segment{Path: name, StartOffset: start, EndOffset: end})
	}
	return segments, scanner.Err()
}
