package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog/log"
)

// Persist writes the full persistable state to the document path. Outside a
// container the write goes to a synced temp file in the same directory that is
// renamed over the target, so a failed write or a crash leaves the previous
// file intact. Concurrent calls are serialized and each writes a snapshot
// taken after it acquired the turn.
func (s *Store) Persist() error {
	if s.path == "" {
		return nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	data, err := json.MarshalIndent(s.Snapshot("", false), "", "    ")
	if err != nil {
		log.Error().Err(err).Msg("persist: encode failed")
		return fmt.Errorf("persist: encode: %w", err)
	}
	data = append(data, '\n')

	if s.env.InContainer() {
		err = os.WriteFile(s.path, data, 0o644)
	} else {
		err = writeAtomic(s.path, data)
	}
	if err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("persist failed")
		return fmt.Errorf("persist %s: %w", s.path, err)
	}
	log.Debug().Str("path", s.path).Int("bytes", len(data)).Msg("configuration persisted")
	if s.onPersist != nil {
		s.onPersist()
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	pf, err := renameio.NewPendingFile(path,
		renameio.WithTempDir(dir),
		renameio.WithPermissions(0o644),
		renameio.WithExistingPermissions(),
	)
	if err != nil {
		return err
	}
	defer pf.Cleanup()
	if _, err := pf.Write(data); err != nil {
		return err
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return err
	}
	return syncDir(dir)
}

// syncDir makes the rename itself durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("persist: directory sync failed")
	}
	return nil
}
