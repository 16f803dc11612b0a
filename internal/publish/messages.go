package publish

import (
	"encoding/json"
	"fmt"
	"time"

	"areapresence/internal/area"
	"areapresence/internal/lightcontrol"
	"areapresence/internal/occupancy"
)

// message is one retained MQTT publication
type message struct {
	Topic   string
	Payload []byte
}

type statePayload struct {
	State         string    `json:"state"`
	Previous      string    `json:"previous"`
	ActiveSensors []string  `json:"active_sensors"`
	ChangedAt     time.Time `json:"changed_at"`
}

type lightsPayload struct {
	Event         string    `json:"event"`
	State         string    `json:"state,omitempty"`
	Lights        []string  `json:"lights,omitempty"`
	Brightness    int       `json:"brightness"`
	Illuminance   float64   `json:"illuminance"`
	ManualControl bool      `json:"manual_control"`
	At            time.Time `json:"at"`
}

// haDiscovery is the Home Assistant MQTT discovery config of an area
// state sensor.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	ValueTemplate       string   `json:"value_template"`
	JSONAttributesTopic string   `json:"json_attributes_topic"`
	AvailabilityTopic   string   `json:"availability_topic"`
	Icon                string   `json:"icon"`
	DeviceClass         string   `json:"device_class"`
	Options             []string `json:"options"`
}

func statusTopic(prefix string) string {
	return prefix + "/status"
}

func stateTopic(prefix, areaID string) string {
	return fmt.Sprintf("%s/%s/state", prefix, areaID)
}

func lightsTopic(prefix, areaID string) string {
	return fmt.Sprintf("%s/%s/lights", prefix, areaID)
}

func buildStateMessage(prefix string, tr occupancy.Transition) (message, error) {
	active := tr.ActiveSensors
	if active == nil {
		active = []string{}
	}
	data, err := json.Marshal(statePayload{
		State:         string(tr.To),
		Previous:      string(tr.From),
		ActiveSensors: active,
		ChangedAt:     tr.At.UTC(),
	})
	if err != nil {
		return message{}, fmt.Errorf("marshal state payload: %w", err)
	}
	return message{Topic: stateTopic(prefix, tr.Area), Payload: data}, nil
}

func buildLightsMessage(prefix string, ev lightcontrol.Event, manual bool) (message, error) {
	data, err := json.Marshal(lightsPayload{
		Event:         string(ev.Kind),
		State:         string(ev.State),
		Lights:        ev.Entities,
		Brightness:    ev.Brightness,
		Illuminance:   ev.Illuminance,
		ManualControl: manual,
		At:            ev.At.UTC(),
	})
	if err != nil {
		return message{}, fmt.Errorf("marshal lights payload: %w", err)
	}
	return message{Topic: lightsTopic(prefix, ev.Area), Payload: data}, nil
}

// buildDiscovery announces the area state as an enum sensor in Home
// Assistant.
func buildDiscovery(prefix string, a *area.Area) (message, error) {
	options := make([]string, 0, len(area.States()))
	for _, s := range area.States() {
		options = append(options, string(s))
	}

	uniqueID := fmt.Sprintf("%s_%s_state", prefix, a.ID)
	data, err := json.Marshal(haDiscovery{
		Name:                a.Name + " State",
		UniqueID:            uniqueID,
		StateTopic:          stateTopic(prefix, a.ID),
		ValueTemplate:       "{{ value_json.state }}",
		JSONAttributesTopic: stateTopic(prefix, a.ID),
		AvailabilityTopic:   statusTopic(prefix),
		Icon:                "mdi:home-account",
		DeviceClass:         "enum",
		Options:             options,
	})
	if err != nil {
		return message{}, fmt.Errorf("marshal discovery: %w", err)
	}
	return message{
		Topic:   fmt.Sprintf("homeassistant/sensor/%s/config", uniqueID),
		Payload: data,
	}, nil
}
