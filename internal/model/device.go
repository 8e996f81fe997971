package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultManufacturer = "Device-Manufacturer"
	DefaultModel        = "Default-Model"
	DefaultSerial       = "Default-Serial"
	DefaultMethod       = "GET"
	DefaultStatusKey    = "status"
	DefaultLeakValue    = "wet"

	// LeakSensorService is the name of the sensor service an accessory owns
	// when its device declares a status block.
	LeakSensorService = "Leak Sensor"
)

// identityNamespace seeds name-based identities. Changing it re-keys every
// accessory in the registry.
var identityNamespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("http-leak-adapter.homenavi"))

type Endpoint struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type StatusConfig struct {
	Key       string `json:"key,omitempty"`
	LeakValue string `json:"leakValue,omitempty"`
}

// DeviceConfig is one entry of the user supplied sensors list.
type DeviceConfig struct {
	Name           string        `json:"name"`
	Manufacturer   string        `json:"manufacturer,omitempty"`
	Model          string        `json:"model,omitempty"`
	Serial         string        `json:"serial,omitempty"`
	Endpoint       Endpoint      `json:"endpoint"`
	Status         *StatusConfig `json:"status,omitempty"`
	UpdateInterval int           `json:"updateInterval"`
}

type IdentityInfo struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Serial       string `json:"serial"`
}

// IdentityFor derives the stable accessory identity from a device name.
// Renaming a device therefore yields a new identity.
func IdentityFor(name string) uuid.UUID {
	return uuid.NewSHA1(identityNamespace, []byte(name))
}

func (d DeviceConfig) Identity() uuid.UUID { return IdentityFor(d.Name) }

func (d DeviceConfig) HasSensor() bool { return d.Status != nil }

func (d DeviceConfig) Interval() time.Duration {
	return time.Duration(d.UpdateInterval) * time.Second
}

func (d DeviceConfig) Info() IdentityInfo {
	return IdentityInfo{
		Manufacturer: orDefault(d.Manufacturer, DefaultManufacturer),
		Model:        orDefault(d.Model, DefaultModel),
		Serial:       orDefault(d.Serial, DefaultSerial),
	}
}

func (e Endpoint) RequestMethod() string {
	return strings.ToUpper(orDefault(strings.TrimSpace(e.Method), DefaultMethod))
}

func (s *StatusConfig) StatusKey() string {
	if s == nil {
		return DefaultStatusKey
	}
	return orDefault(s.Key, DefaultStatusKey)
}

func (s *StatusConfig) ExpectedLeakValue() string {
	if s == nil {
		return DefaultLeakValue
	}
	return orDefault(s.LeakValue, DefaultLeakValue)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
