package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dhcgn/mail-dl/model"
)

// RecordFileName is the well-known name of the record inside an entry.
const RecordFileName = "email.json"

// EntryName builds the archive entry name. Consumers scan the target store
// by this name, so the format is fixed.
func EntryName(receivedEpoch, createdMillis int64) string {
	return fmt.Sprintf("%d@EMAIL_%d", receivedEpoch, createdMillis)
}

func writeRecord(dir string, rec model.NormalizedEmail) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	path := filepath.Join(dir, RecordFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync record: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close record: %w", err)
	}
	return nil
}

// ReadRecord loads the record of an archive entry.
func ReadRecord(entryDir string) (model.NormalizedEmail, error) {
	data, err := os.ReadFile(filepath.Join(entryDir, RecordFileName))
	if err != nil {
		return model.NormalizedEmail{}, fmt.Errorf("read record: %w", err)
	}
	var rec model.NormalizedEmail
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.NormalizedEmail{}, fmt.Errorf("parse record: %w", err)
	}
	return rec, nil
}
