package progcache

import (
	"os"
	"regexp"
	"sort"
	"strconv"
)

// Artifact is one file of a cache directory.
type Artifact struct {
	Hash        string
	Kind        string
	Device      int
	OptionsHash string
	Name        string
	Size        int64
}

var artifactPattern = regexp.MustCompile(`^([0-9a-f]{16})(?:_source\.cl|_dev(\d+)\.bin|\.spv|_([0-9a-f]{16})_options\.txt)$`)

// List enumerates the artifacts of dir ordered by hash, then name. Other
// files are ignored.
func List(dir string) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := artifactPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		a := Artifact{Hash: m[1], Name: e.Name(), Device: -1}
		switch {
		case m[2] != "":
			a.Kind = KindBinary.String()
			a.Device, _ = strconv.Atoi(m[2])
		case m[3] != "":
			a.Kind = "options"
			a.OptionsHash = m[3]
		case e.Name() == m[1]+".spv":
			a.Kind = KindIL.String()
		default:
			a.Kind = KindSource.String()
		}
		if info, err := e.Info(); err == nil {
			a.Size = info.Size()
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hash != out[j].Hash {
			return out[i].Hash < out[j].Hash
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
