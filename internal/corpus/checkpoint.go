package corpus

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// checkpoint records progress through a resumable ingestion run.
type checkpoint struct {
	ProcessedChunks int       `json:"processed_chunks"`
	TotalChunks     int       `json:"total_chunks"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (s *Store) checkpointPath(id string) string {
	return filepath.Join(s.config.CheckpointDir, id+".json")
}

func (s *Store) loadCheckpoint(id string) (*checkpoint, error) {
	data, err := os.ReadFile(s.checkpointPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) saveCheckpoint(id string, cp *checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return os.WriteFile(s.checkpointPath(id), data, 0o644)
}

func (s *Store) clearCheckpoint(id string) {
	_ = os.Remove(s.checkpointPath(id))
}
