package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Accessory is the persistent representation of a configured device. Context
// holds the DeviceConfig seen on the latest reconciliation pass.
type Accessory struct {
	Identity      uuid.UUID      `gorm:"type:uuid;primaryKey" json:"identity"`
	DisplayName   string         `gorm:"not null" json:"display_name"`
	Context       datatypes.JSON `gorm:"type:jsonb" json:"context"`
	SensorService bool           `json:"sensor_service"`
	LeakDetected  *bool          `json:"leak_detected,omitempty"`
	Manufacturer  string         `json:"manufacturer"`
	Model         string         `json:"model"`
	Serial        string         `json:"serial"`
	LastReadingAt *time.Time     `json:"last_reading_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func NewAccessory(identity uuid.UUID, displayName string) *Accessory {
	return &Accessory{Identity: identity, DisplayName: displayName}
}

func (a *Accessory) SetContext(d DeviceConfig) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	a.Context = datatypes.JSON(b)
	return nil
}

// Device decodes the stored context. ok is false when no context was written yet.
func (a *Accessory) Device() (d DeviceConfig, ok bool, err error) {
	if len(a.Context) == 0 || string(a.Context) == "null" {
		return DeviceConfig{}, false, nil
	}
	if err := json.Unmarshal(a.Context, &d); err != nil {
		return DeviceConfig{}, false, err
	}
	return d, true, nil
}
