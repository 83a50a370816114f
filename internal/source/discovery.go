package source

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// CSVFile is a kill record file found in a source directory.
type CSVFile struct {
	Path    string
	Name    string
	ModUnix int64
	Size    int64
}

// ListCSV returns every .csv file in dir sorted by name. Servers name these
// files by creation timestamp, so name order is chronological.
func ListCSV(dir string) ([]CSVFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, fmt.Errorf("failed to list csv directory: %w", err)
	}

	var files []CSVFile
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, CSVFile{
			Path:    filepath.Join(dir, e.Name()),
			Name:    e.Name(),
			ModUnix: info.ModTime().UnixNano(),
			Size:    info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// NewestCSV returns the most recently modified .csv file in dir. Equal
// modification times fall back to the later name.
func NewestCSV(dir string) (CSVFile, error) {
	files, err := ListCSV(dir)
	if err != nil {
		return CSVFile{}, err
	}
	if len(files) == 0 {
		return CSVFile{}, fmt.Errorf("%w: no csv files in %s", ErrNotFound, dir)
	}

	newest := files[0]
	for _, f := range files[1:] {
		if f.ModUnix >= newest.ModUnix {
			newest = f
		}
	}
	return newest, nil
}
