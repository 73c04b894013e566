package netnspool

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/oriys/sandboxd/internal/filelock"
	"github.com/oriys/sandboxd/internal/runnererr"
)

// NamespaceEntry is one namespace's kernel addressing, as recorded in the
// registry.
type NamespaceEntry struct {
	VethHost string `json:"vethHost"`
	HostIP   string `json:"hostIp"`
	NsIP     string `json:"nsIp"`
}

// RunnerEntry is one runner's registration: its identity and the
// namespaces it currently owns.
type RunnerEntry struct {
	Name       string                    `json:"name"`
	PID        int                       `json:"pid"`
	Namespaces map[string]NamespaceEntry `json:"namespaces"`
}

type registryDoc struct {
	Runners map[string]RunnerEntry `json:"runners"`
}

// registry is the file-locked JSON-backed netns registry: one file per
// host, shared by every runner process.
type registry struct {
	path     string
	lockPath string
}

func openRegistry(path string) (*registry, error) {
	lockPath := path + ".lock"
	if err := ensureFile(lockPath); err != nil {
		return nil, err
	}
	if err := ensureRegistryFile(path); err != nil {
		return nil, err
	}
	return &registry{path: path, lockPath: lockPath}, nil
}

func ensureFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err == nil {
		return f.Close()
	}
	if os.IsExist(err) {
		return nil
	}
	return err
}

func ensureRegistryFile(path string) error {
	data, _ := json.Marshal(registryDoc{Runners: map[string]RunnerEntry{}})
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func (r *registry) read() (registryDoc, error) {
	var doc registryDoc
	data, err := os.ReadFile(r.path)
	if err != nil {
		return doc, fmt.Errorf("read netns registry: %w", err)
	}
	if len(data) == 0 {
		doc.Runners = map[string]RunnerEntry{}
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("%w: %v", runnererr.ErrRegistryCorrupt, err)
	}
	if doc.Runners == nil {
		doc.Runners = map[string]RunnerEntry{}
	}
	return doc, nil
}

func (r *registry) write(doc registryDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// withLock runs fn with the registry's file lock held.
func (r *registry) withLock(fn func(doc *registryDoc) (bool, error)) error {
	return filelock.WithLock(r.lockPath, func() error {
		doc, err := r.read()
		if err != nil {
			return err
		}
		changed, err := fn(&doc)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return r.write(doc)
	})
}

// allocateRunnerIdx picks the lowest free runner index under the lock and
// writes this process's entry. Fails with ErrRunnerLimit past MaxRunners.
func (r *registry) allocateRunnerIdx(name string) (int, error) {
	var idx = -1
	err := r.withLock(func(doc *registryDoc) (bool, error) {
		for i := 0; i < MaxRunners; i++ {
			key := fmt.Sprintf("%02x", i)
			if _, taken := doc.Runners[key]; !taken {
				idx = i
				doc.Runners[key] = RunnerEntry{
					Name:       name,
					PID:        os.Getpid(),
					Namespaces: map[string]NamespaceEntry{},
				}
				return true, nil
			}
		}
		return false, runnererr.ErrRunnerLimit
	})
	return idx, err
}

func runnerKey(idx int) string { return fmt.Sprintf("%02x", idx) }
func nsKey(idx int) string     { return fmt.Sprintf("%02x", idx) }
