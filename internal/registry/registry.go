// Package registry persists trained model artifacts, keeps the append-only
// training history ledger, and decides whether a freshly trained model
// replaces the incumbent.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gridsense/gridsense/internal/forecast"
	gserrors "github.com/gridsense/gridsense/pkg/errors"
)

const (
	artifactPrefix = "ensemble_"
	bestArtifact   = "best_ensemble.json"
	historyFile    = "training_history.json"

	// DefaultRetention is how many versioned artifacts survive cleanup.
	DefaultRetention = 10
)

// HistoryEntry is one line of the training ledger. Field names are part of
// the on-disk format.
type HistoryEntry struct {
	Version       string                     `json:"version"`
	Timestamp     time.Time                  `json:"timestamp"`
	Metrics       forecast.EvaluationMetrics `json:"metrics"`
	IsCurrentBest bool                       `json:"is_current_best"`
}

// Registry is a directory-backed model store. All mutating operations are
// serialized; the ledger is never rewritten, only appended to.
type Registry struct {
	mu        sync.Mutex
	dir       string
	retention int
	now       func() time.Time
	logger    *zap.SugaredLogger
}

func New(dir string, logger *zap.SugaredLogger) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, gserrors.Wrap(gserrors.KindInternal, err, "create registry dir %s", dir)
	}
	return &Registry{
		dir:       dir,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    logger,
	}, nil
}

// Promote writes the artifact under a fresh version id, mirrors it as the
// current best, and appends a ledger entry marked as best. The previous best
// artifact stays on disk until Cleanup retires it.
func (r *Registry) Promote(artifact json.Marshaler, metrics forecast.EvaluationMetrics) (string, error) {
	return r.save(artifact, metrics, true)
}

// Archive writes the artifact and ledger entry without touching the current
// best, keeping the history complete for rejected models.
func (r *Registry) Archive(artifact json.Marshaler, metrics forecast.EvaluationMetrics) (string, error) {
	return r.save(artifact, metrics, false)
}

func (r *Registry) save(artifact json.Marshaler, metrics forecast.EvaluationMetrics, best bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := artifact.MarshalJSON()
	if err != nil {
		return "", gserrors.Wrap(gserrors.KindInternal, err, "serialize model artifact")
	}

	version := r.nextVersionLocked()
	path := filepath.Join(r.dir, artifactPrefix+version+".json")
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	if best {
		if err := writeAtomic(filepath.Join(r.dir, bestArtifact), data); err != nil {
			return "", err
		}
	}

	entry := HistoryEntry{
		Version:       version,
		Timestamp:     r.now().UTC(),
		Metrics:       metrics,
		IsCurrentBest: best,
	}
	if err := r.appendHistoryLocked(entry); err != nil {
		return "", err
	}

	r.logger.Infow("model version saved",
		"version", version,
		"promoted", best,
		"mae", metrics.MAE,
		"rmse", metrics.RMSE)
	return version, nil
}

// nextVersionLocked derives a timestamp version id, bumping by a second when
// two saves land inside the same one.
func (r *Registry) nextVersionLocked() string {
	t := r.now().UTC()
	for {
		version := "v" + t.Format("20060102150405")
		if _, err := os.Stat(filepath.Join(r.dir, artifactPrefix+version+".json")); os.IsNotExist(err) {
			return version
		}
		t = t.Add(time.Second)
	}
}

// LoadBest restores the currently promoted artifact.
func (r *Registry) LoadBest(into json.Unmarshaler) error {
	return r.load(filepath.Join(r.dir, bestArtifact), into)
}

// LoadVersion restores a specific versioned artifact.
func (r *Registry) LoadVersion(version string, into json.Unmarshaler) error {
	return r.load(filepath.Join(r.dir, artifactPrefix+version+".json"), into)
}

func (r *Registry) load(path string, into json.Unmarshaler) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return gserrors.New(gserrors.KindNotFound, "no model artifact at %s", path)
	}
	if err != nil {
		return gserrors.Wrap(gserrors.KindInternal, err, "read model artifact %s", path)
	}
	return into.UnmarshalJSON(data)
}

// History returns the full ledger, oldest first.
func (r *Registry) History() ([]HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readHistoryLocked()
}

// Latest returns the newest ledger entry, or nil when no training has run.
func (r *Registry) Latest() (*HistoryEntry, error) {
	history, err := r.History()
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}
	return &history[len(history)-1], nil
}

// LatestBest returns the newest promoted entry, or nil when none exists.
func (r *Registry) LatestBest() (*HistoryEntry, error) {
	history, err := r.History()
	if err != nil {
		return nil, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].IsCurrentBest {
			return &history[i], nil
		}
	}
	return nil, nil
}

func (r *Registry) readHistoryLocked() ([]HistoryEntry, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, historyFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, gserrors.Wrap(gserrors.KindInternal, err, "read training history")
	}
	var history []HistoryEntry
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, gserrors.Wrap(gserrors.KindInternal, err, "decode training history")
	}
	return history, nil
}

func (r *Registry) appendHistoryLocked(entry HistoryEntry) error {
	history, err := r.readHistoryLocked()
	if err != nil {
		return err
	}
	history = append(history, entry)
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return gserrors.Wrap(gserrors.KindInternal, err, "encode training history")
	}
	return writeAtomic(filepath.Join(r.dir, historyFile), data)
}

// Cleanup removes versioned artifacts beyond the retention limit, oldest
// first. The best mirror and the ledger are never touched.
func (r *Registry) Cleanup() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, gserrors.Wrap(gserrors.KindInternal, err, "list registry dir")
	}
	var versions []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, artifactPrefix) && strings.HasSuffix(name, ".json") {
			versions = append(versions, name)
		}
	}
	if len(versions) <= r.retention {
		return 0, nil
	}
	// Timestamp versions sort lexicographically by age.
	sort.Strings(versions)
	stale := versions[:len(versions)-r.retention]
	removed := 0
	for _, name := range stale {
		if err := os.Remove(filepath.Join(r.dir, name)); err != nil {
			return removed, gserrors.Wrap(gserrors.KindInternal, err, "remove stale artifact %s", name)
		}
		removed++
	}
	if removed > 0 {
		r.logger.Infow("registry cleanup", "removed", removed, "kept", r.retention)
	}
	return removed, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp", path)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return gserrors.Wrap(gserrors.KindInternal, err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return gserrors.Wrap(gserrors.KindInternal, err, "replace %s", path)
	}
	return nil
}
