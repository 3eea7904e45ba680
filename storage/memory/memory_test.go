package memory

import (
	"testing"

	"github.com/jmcleod/keystate/storage"
	"github.com/jmcleod/keystate/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.RunRepositoryTests(t, func(t *testing.T) storage.Repository {
		return NewRepository()
	})
}
