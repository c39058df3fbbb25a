package service

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// SourceFile is an importable file in the sources directory.
type SourceFile struct {
	Name     string `json:"name" doc:"File name" example:"mainstems.shp"`
	Size     string `json:"size" doc:"Human-readable file size" example:"1.2 MiB"`
	FileType string `json:"fileType" doc:"Shapefile, GeoJSON or JSON" example:"Shapefile"`
}

// importable maps file extensions to the kind of import they support.
var importable = map[string]string{
	".shp":     "Shapefile",
	".geojson": "GeoJSON",
	".json":    "JSON",
}

// SourceService lists files that can be imported.
type SourceService struct {
	sourcesDir string
}

// NewSourceService creates a source service rooted at dataDir/sources.
func NewSourceService(dataDir string) *SourceService {
	return &SourceService{
		sourcesDir: filepath.Join(dataDir, "sources"),
	}
}

// List returns importable files sorted by name.
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
		fileType, ok := importable[strings.ToLower(filepath.Ext(entry.Name()))]
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, SourceFile{
			Name:     entry.Name(),
			Size:     humanize.IBytes(uint64(info.Size())),
			FileType: fileType,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Path resolves an importable file name inside the sources directory.
func (s *SourceService) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid source file name %q", name)
	}
	if _, ok := importable[strings.ToLower(filepath.Ext(name))]; !ok {
		return "", fmt.Errorf("unsupported source file %q", name)
	}
	p := filepath.Join(s.sourcesDir, name)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("source file %q: %w", name, ErrNotFound)
	}
	return p, nil
}

// SourcesDir returns the path to the sources directory.
func (s *SourceService) SourcesDir() string {
	return s.sourcesDir
}
