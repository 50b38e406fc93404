package events

import (
	"encoding/json"

	apperrors "github.com/wfunc/phstat/internal/errors"
)

// Encode 事件 JSON 编码；测量、断连、重连事件的 device 编码为设备名
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(struct {
		Event
		Device string `json:"device,omitempty"`
	}{Event: e, Device: deviceName(e)})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrMessageFormat)
	}
	return data, nil
}

func deviceName(e Event) string {
	switch e.Type {
	case TypeMeasurement, TypeDisconnected, TypeReconnected:
		return e.Device.String()
	}
	return ""
}
