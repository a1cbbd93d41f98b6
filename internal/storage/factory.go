package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/storage/badger"
	"github.com/ternarybob/cursus/internal/storage/memory"
)

// NewPipelineStorage creates the configured storage backend.
func NewPipelineStorage(logger arbor.ILogger, config *common.Config) (interfaces.PipelineStorage, error) {
	switch config.Storage.Type {
	case "memory":
		return memory.NewPipelineStorage(logger), nil
	case "badger", "":
		db, err := badger.NewBadgerDB(logger, &config.Storage.Badger)
		if err != nil {
			return nil, err
		}
		return badger.NewPipelineStorage(db, logger), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (supported: memory, badger)", config.Storage.Type)
	}
}
