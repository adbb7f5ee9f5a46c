// Package evidence writes the per-run artifact set: run report, evidence
// manifest, and manifest self-hash. All writes are tmp+rename atomic so a
// reader never observes a half-written artifact.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/replyops/ticketd/pkg/models"
)

// Artifact file names.
const (
	RunReportFile   = "run_report_v1.json"
	ManifestFile    = "evidence_manifest_v1.json"
	SelfHashFile    = "manifest_self_hash_v1.json"
	ToolDebugFile   = "tool_debug_v1.json"
	ReadinessDebug  = "readiness_debug_v1.json"
	DepSnapshotFile = "dep_snapshot_v1.json"
	ManifestVersion = "v1"
)

// ErrRunExists is returned when the run directory already holds a report
// and overwrite is not allowed.
var ErrRunExists = errors.New("run report already exists")

// Artifact is one manifest entry.
type Artifact struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// Check is one entry of the manifest checks section.
type Check struct {
	Name        string   `json:"name"`
	OK          bool     `json:"ok"`
	ReasonCodes []string `json:"reason_codes,omitempty"`
	DetailsRef  string   `json:"details_ref,omitempty"`
}

// Manifest lists the run's artifacts and integrity checks.
type Manifest struct {
	Version   string     `json:"version"`
	RunID     string     `json:"run_id"`
	AsOf      string     `json:"as_of"`
	Artifacts []Artifact `json:"artifacts"`
	Checks    []Check    `json:"checks"`
}

// SelfHash pins the manifest bytes.
type SelfHash struct {
	Value string `json:"value"`
}

// Writer emits evidence artifacts under BaseDir/<run_id>/.
type Writer struct {
	baseDir        string
	allowOverwrite bool
	now            func() time.Time
}

// NewWriter creates a writer rooted at baseDir. allowOverwrite permits
// last-writer-wins replacement of an existing run report.
func NewWriter(baseDir string, allowOverwrite bool) *Writer {
	return &Writer{baseDir: baseDir, allowOverwrite: allowOverwrite, now: time.Now}
}

// RunDir returns the directory for a run id.
func (w *Writer) RunDir(runID string) string {
	return filepath.Join(w.baseDir, runID)
}

// WriteRun writes the report plus any debug artifacts, then the manifest
// and its self-hash. debug maps file name → JSON-serializable payload.
// extraChecks are appended after the built-in artifact checks.
func (w *Writer) WriteRun(report *models.RunReport, debug map[string]any, extraChecks []Check) (string, error) {
	dir := w.RunDir(report.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating run dir: %w", err)
	}

	reportPath := filepath.Join(dir, RunReportFile)
	if _, err := os.Stat(reportPath); err == nil && !w.allowOverwrite {
		return "", fmt.Errorf("%w: %s", ErrRunExists, reportPath)
	}

	reportBytes, err := stableJSON(report)
	if err != nil {
		return "", fmt.Errorf("encoding run report: %w", err)
	}
	if err := writeAtomic(reportPath, reportBytes); err != nil {
		return "", fmt.Errorf("writing run report: %w", err)
	}
	reportHash := hashBytes(reportBytes)

	manifest := Manifest{
		Version: ManifestVersion,
		RunID:   report.RunID,
		AsOf:    w.now().UTC().Format(time.RFC3339),
		Artifacts: []Artifact{
			{Path: RunReportFile, SHA256: reportHash, Bytes: int64(len(reportBytes))},
		},
		Checks: []Check{},
	}

	for _, name := range sortedKeys(debug) {
		data, err := stableJSON(debug[name])
		if err != nil {
			w.rollbackReport(reportPath, reportHash)
			return "", fmt.Errorf("encoding debug artifact %s: %w", name, err)
		}
		if err := writeAtomic(filepath.Join(dir, name), data); err != nil {
			w.rollbackReport(reportPath, reportHash)
			return "", fmt.Errorf("writing debug artifact %s: %w", name, err)
		}
		manifest.Artifacts = append(manifest.Artifacts, Artifact{
			Path: name, SHA256: hashBytes(data), Bytes: int64(len(data)),
		})
	}

	manifest.Checks = append(manifest.Checks, Check{Name: "run_report_hash_ok", OK: true})
	manifest.Checks = append(manifest.Checks, extraChecks...)

	manifestBytes, err := stableJSON(&manifest)
	if err != nil {
		w.rollbackReport(reportPath, reportHash)
		return "", fmt.Errorf("encoding manifest: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, ManifestFile), manifestBytes); err != nil {
		w.rollbackReport(reportPath, reportHash)
		return "", fmt.Errorf("writing manifest: %w", err)
	}

	selfHashBytes, err := stableJSON(&SelfHash{Value: hashBytes(manifestBytes)})
	if err != nil {
		return "", fmt.Errorf("encoding self hash: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, SelfHashFile), selfHashBytes); err != nil {
		return "", fmt.Errorf("writing self hash: %w", err)
	}

	return dir, nil
}

// rollbackReport removes the run report after a downstream write failure,
// but only if its on-disk bytes still hash to what this writer produced.
// Another writer's report is never clobbered.
func (w *Writer) rollbackReport(path, wantHash string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if hashBytes(data) != wantHash {
		return
	}
	_ = os.Remove(path)
}

// writeAtomic writes data to path via a same-directory tmp file and
// rename. Tmp residue is removed on every failure path.
func writeAtomic(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp.%d.%d", path, os.Getpid(), rand.Uint32())

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// stableJSON serializes with 2-space indent and a trailing newline, the
// canonical artifact encoding.
func stableJSON(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
