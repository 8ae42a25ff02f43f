package beacon

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gowebpki/jcs"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/solvetrace/internal/fsx"
	"github.com/thebtf/solvetrace/pkg/models"
)

const spoolExt = ".json"

// ErrCorruptBatch marks a spool file that was read but does not hold a
// usable batch. Retrying it cannot succeed.
var ErrCorruptBatch = errors.New("corrupt spool batch")

// Spool writes each batch as a file into a directory watched by the sync
// daemon. The file name is the sha256 of the canonical JSON of the batch
// content, so handing off the same sessions twice yields one file.
type Spool struct {
	dir string
}

// NewSpool creates dir if needed and returns a Spool writing into it.
func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	return &Spool{dir: dir}, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string { return s.dir }

// Durable reports true: once written the batch survives the process.
func (s *Spool) Durable() bool { return true }

// Send writes batch into the spool.
func (s *Spool) Send(batch *models.Batch) error {
	if batch == nil || len(batch.Sessions) == 0 {
		return nil
	}
	name, err := BatchDigest(batch)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	path := filepath.Join(s.dir, name+spoolExt)
	if err := fsx.WriteFileAtomic(path, doc, 0o600); err != nil {
		return fmt.Errorf("write spool file: %w", err)
	}

	log.Debug().
		Str("file", filepath.Base(path)).
		Int("sessions", len(batch.Sessions)).
		Msg("Batch spooled")
	return nil
}

// List returns the spooled batch files, oldest name first.
func (s *Spool) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsBatchFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(s.dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Read decodes the batch stored at path. Content that does not decode, or a
// session without an id, yields an error wrapping ErrCorruptBatch.
func (s *Spool) Read(path string) (*models.Batch, error) {
	// #nosec G304 -- path comes from List over the spool directory.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spool file: %w", err)
	}
	name := filepath.Base(path)
	var batch models.Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrCorruptBatch, name, err)
	}
	for i, sess := range batch.Sessions {
		if sess == nil || sess.SessionID == "" {
			return nil, fmt.Errorf("%w: %s: session %d has no id", ErrCorruptBatch, name, i)
		}
	}
	return &batch, nil
}

// Remove deletes a delivered batch file. A missing file is not an error.
func (s *Spool) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove spool file: %w", err)
	}
	return nil
}

// IsBatchFile reports whether name looks like a finished spool file.
// Temp files written by WriteFileAtomic start with a dot.
func IsBatchFile(name string) bool {
	return strings.HasSuffix(name, spoolExt) && !strings.HasPrefix(name, ".")
}

// BatchDigest returns the content address of batch. SentAt is left out so
// that the same sessions sent twice share one address.
func BatchDigest(batch *models.Batch) (string, error) {
	raw, err := json.Marshal(struct {
		UserID   string            `json:"userId"`
		Sessions []*models.Session `json:"sessions"`
	}{batch.UserID, batch.Sessions})
	if err != nil {
		return "", fmt.Errorf("marshal batch: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize batch: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
