// Package hdp publishes leak accessories as Homenavi Device Protocol (v1)
// devices over MQTT.
package hdp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/model"
	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/mqtt"
)

const (
	Schema   = "hdp.v1"
	Protocol = "http"

	MetadataPrefix      = "homenavi/hdp/device/metadata/"
	StatePrefix         = "homenavi/hdp/device/state/"
	EventPrefix         = "homenavi/hdp/device/event/"
	AdapterHelloTopic   = "homenavi/hdp/adapter/hello"
	AdapterStatusPrefix = "homenavi/hdp/adapter/status/"
)

type Capability struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Kind        string           `json:"kind"`
	Property    string           `json:"property"`
	ValueType   string           `json:"value_type"`
	DeviceClass string           `json:"device_class,omitempty"`
	Access      CapabilityAccess `json:"access"`
	TrueValue   string           `json:"true_value,omitempty"`
	FalseValue  string           `json:"false_value,omitempty"`
}

type CapabilityAccess struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
	Event bool `json:"event"`
}

var leakCapability = Capability{
	ID:          "leak",
	Name:        model.LeakSensorService,
	Kind:        "binary",
	Property:    "leak",
	ValueType:   "boolean",
	DeviceClass: "moisture",
	Access:      CapabilityAccess{Read: true, Event: true},
	TrueValue:   "true",
	FalseValue:  "false",
}

type Publisher struct {
	client    mqtt.ClientAPI
	adapterID string
	version   string
	now       func() time.Time
}

func New(client mqtt.ClientAPI, adapterID, version string) *Publisher {
	if version == "" {
		version = "dev"
	}
	return &Publisher{client: client, adapterID: adapterID, version: version, now: time.Now}
}

// DeviceID is the HDP device id of an accessory: http/<adapter>/<identity>.
func (p *Publisher) DeviceID(identity uuid.UUID) string {
	return fmt.Sprintf("%s/%s/%s", Protocol, p.adapterID, identity)
}

func (p *Publisher) publish(topic string, envelope map[string]any, retain bool) error {
	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return p.client.PublishWith(topic, b, retain)
}

func (p *Publisher) PublishHello() error {
	return p.publish(AdapterHelloTopic, map[string]any{
		"schema":      Schema,
		"type":        "hello",
		"adapter_id":  p.adapterID,
		"protocol":    Protocol,
		"version":     p.version,
		"hdp_version": "1.0",
		"features": map[string]any{
			"supports_ack":         false,
			"supports_correlation": false,
			"supports_batch_state": false,
			"supports_pairing":     false,
			"supports_interview":   false,
		},
		"ts": p.now().UnixMilli(),
	}, false)
}

func (p *Publisher) statusEnvelope(status, reason string) map[string]any {
	return map[string]any{
		"schema":     Schema,
		"type":       "status",
		"adapter_id": p.adapterID,
		"protocol":   Protocol,
		"status":     status,
		"reason":     reason,
		"version":    p.version,
		"ts":         p.now().UnixMilli(),
	}
}

func (p *Publisher) PublishStatus(status, reason string) error {
	return p.publish(AdapterStatusPrefix+p.adapterID, p.statusEnvelope(status, reason), true)
}

// OfflineWill is the retained status the broker announces when the adapter
// disappears without a clean shutdown.
func (p *Publisher) OfflineWill() *mqtt.Will {
	b, _ := json.Marshal(p.statusEnvelope("offline", "connection_lost"))
	return &mqtt.Will{Topic: AdapterStatusPrefix + p.adapterID, Payload: b}
}

func (p *Publisher) PublishMetadata(acc *model.Accessory, info model.IdentityInfo) error {
	if acc == nil {
		return errors.New("nil accessory")
	}
	envelope := map[string]any{
		"schema":       Schema,
		"type":         "metadata",
		"device_id":    p.DeviceID(acc.Identity),
		"protocol":     Protocol,
		"name":         acc.DisplayName,
		"manufacturer": info.Manufacturer,
		"model":        info.Model,
		"serial":       info.Serial,
		"icon":         "water",
		"ts":           p.now().UnixMilli(),
	}
	if acc.SensorService {
		envelope["capabilities"] = []Capability{leakCapability}
	} else {
		envelope["capabilities"] = []Capability{}
	}
	return p.publish(MetadataPrefix+p.DeviceID(acc.Identity), envelope, true)
}

// PublishState publishes the retained leak state.
func (p *Publisher) PublishState(acc *model.Accessory, leak bool, at time.Time) error {
	if acc == nil {
		return errors.New("nil accessory")
	}
	deviceID := p.DeviceID(acc.Identity)
	return p.publish(StatePrefix+deviceID, map[string]any{
		"schema":    Schema,
		"type":      "state",
		"device_id": deviceID,
		"ts":        at.UnixMilli(),
		"state":     map[string]any{"leak": leak},
	}, true)
}

// ClearDevice drops the retained topics of a removed accessory and emits a
// device_removed event.
func (p *Publisher) ClearDevice(identity uuid.UUID, reason string) error {
	deviceID := p.DeviceID(identity)
	var errs []error
	errs = append(errs, p.client.PublishWith(StatePrefix+deviceID, []byte{}, true))
	errs = append(errs, p.client.PublishWith(MetadataPrefix+deviceID, []byte{}, true))
	errs = append(errs, p.publish(EventPrefix+deviceID, map[string]any{
		"schema":    Schema,
		"type":      "event",
		"device_id": deviceID,
		"event":     "device_removed",
		"data":      map[string]any{"reason": reason},
		"ts":        p.now().UnixMilli(),
	}, false))
	return errors.Join(errs...)
}
