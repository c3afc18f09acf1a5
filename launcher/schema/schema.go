package schema

import (
	"time"

	"github.com/google/uuid"
)

// Run is one launch of the training workflow: what was submitted, where it
// went, and the last known provider state.
type Run struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	DisplayName string `gorm:"size:100;not null"`

	ImageUri   string `gorm:"not null"`
	ConfigFile string
	BucketName string

	MachineType      string `gorm:"size:100"`
	AcceleratorType  string `gorm:"size:100"`
	AcceleratorCount int
	Preemptible      bool

	// JobName is the provider assigned resource name, empty until submission
	// succeeds.
	JobName string
	State   string `gorm:"size:100;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
