package psf

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/opd-ai/veil/internal/vlog"
)

// Library holds every successfully parsed Spec, keyed by the protocol id
// its source file is named after (e.g. "https.psf" -> "https"). Parse
// failures in one file never prevent the rest of the library from
// loading, per the design's PsfParse error semantics.
type Library struct {
	Specs map[string]*Spec
}

// LoadFS parses every *.psf file in root (an fs.FS, typically an
// embed.FS or os.DirFS) into a Library.
func LoadFS(root fs.FS, dir string) (*Library, error) {
	lib := &Library{Specs: map[string]*Spec{}}
	log := vlog.For("psf", "LoadFS")

	entries, err := fs.ReadDir(root, dir)
	if err != nil {
		return nil, fmt.Errorf("psf: read dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".psf") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".psf")
		data, err := fs.ReadFile(root, filepath.Join(dir, entry.Name()))
		if err != nil {
			log.WithError(err).WithField("file", entry.Name()).Warn("psf: failed to read shape file, skipping")
			continue
		}
		spec, err := Parse(string(data))
		if err != nil {
			log.WithError(err).WithField("file", entry.Name()).Warn("psf: failed to parse shape file, skipping")
			continue
		}
		if err := spec.Validate(); err != nil {
			log.WithError(err).WithField("file", entry.Name()).Warn("psf: shape file failed validation, skipping")
			continue
		}
		spec.Name = id
		lib.Specs[id] = spec
	}

	return lib, nil
}

// Get returns the Spec for id, or nil if not loaded.
func (l *Library) Get(id string) *Spec {
	return l.Specs[id]
}

// IDs returns every loaded protocol id.
func (l *Library) IDs() []string {
	ids := make([]string, 0, len(l.Specs))
	for id := range l.Specs {
		ids = append(ids, id)
	}
	return ids
}
