package executor

import "embed"

//go:embed scripts/*.sh
var scriptFS embed.FS

// bundleFile is one file of the agent-script bundle staged into every
// guest's workspace before the agent runs (spec §4.6 step 6).
type bundleFile struct {
	name       string
	content    []byte
	executable bool
}

// scriptBundle returns the fixed set of scripts every VM receives. All are
// marked executable; the caller chmods them after upload.
func scriptBundle() ([]bundleFile, error) {
	names := []string{"download-storages.sh", "run-agent.sh"}
	files := make([]bundleFile, 0, len(names))
	for _, name := range names {
		data, err := scriptFS.ReadFile("scripts/" + name)
		if err != nil {
			return nil, err
		}
		files = append(files, bundleFile{name: name, content: data, executable: true})
	}
	return files, nil
}
