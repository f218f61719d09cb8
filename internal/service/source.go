package service

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SourceFile is a statistics file waiting to be imported.
type SourceFile struct {
	Name     string `json:"name" doc:"File name" example:"wheat_wf_2030.csv"`
	Size     string `json:"size" doc:"Human readable size" example:"12.4 KB"`
	FileType string `json:"file_type" doc:"CSV or Parquet" example:"CSV"`
}

// SourceService manages statistics source files under <data>/sources.
type SourceService struct {
	sourcesDir string
}

// NewSourceService creates a new source service.
func NewSourceService(dataDir string) *SourceService {
	return &SourceService{
		sourcesDir: filepath.Join(dataDir, "sources"),
	}
}

var sourceTypes = map[string]string{
	".csv":     "CSV",
	".parquet": "Parquet",
}

// List returns the importable files, sorted by name.
func (s *SourceService) List() ([]SourceFile, error) {
	entries, err := os.ReadDir(s.sourcesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []SourceFile{}, nil
		}
		return nil, err
	}

	files := []SourceFile{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileType, ok := sourceTypes[strings.ToLower(filepath.Ext(entry.Name()))]
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, SourceFile{
			Name:     entry.Name(),
			Size:     formatSize(info.Size()),
			FileType: fileType,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Path returns the absolute path of a source file. Names that escape the
// sources directory or have an unsupported extension are rejected.
func (s *SourceService) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: source file %q", ErrNotFound, name)
	}
	if _, ok := sourceTypes[strings.ToLower(filepath.Ext(name))]; !ok {
		return "", fmt.Errorf("%w: unsupported source file %q", ErrInvalidLayer, name)
	}
	path := filepath.Join(s.sourcesDir, name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: source file %q", ErrNotFound, name)
	}
	return path, nil
}

// SourcesDir returns the path to the sources directory.
func (s *SourceService) SourcesDir() string {
	return s.sourcesDir
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
