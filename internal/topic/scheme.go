package topic

import (
	"errors"
	"fmt"
	"strings"

	"assembly-line-supervisor/internal/types"
)

// MQTT 通配符
const (
	Wildcard      = "+"
	MultiWildcard = "#"
)

// StationPlaceholder 模板中的工站占位符，替换为 "posto_<n>"
const StationPlaceholder = "{station}"

var ErrNotDeviceTopic = errors.New("not a device topic")

// Scheme 设备总线主题约定。
// 上行: {device_root}/{transport}/posto_<n>/{device_role}，{vision_root}/<posto_n|n>/{vision_role}
// 下行: Feeder/Camera/Device 模板与产线控制主题
type Scheme struct {
	DeviceRoot      string `mapstructure:"device_root"`
	DeviceTransport string `mapstructure:"device_transport"`
	DeviceRole      string `mapstructure:"device_role"`
	VisionRoot      string `mapstructure:"vision_root"`
	VisionRole      string `mapstructure:"vision_role"`
	Feeder          string `mapstructure:"feeder"`
	FeederPayload   string `mapstructure:"feeder_payload"`
	Camera          string `mapstructure:"camera"`
	LineControl     string `mapstructure:"line_control"`
}

// Default 现场使用的主题约定
func Default() Scheme {
	return Scheme{
		DeviceRoot:      "rastreio",
		DeviceTransport: "esp32",
		DeviceRole:      "dispositivo",
		VisionRoot:      "visao",
		VisionRole:      "estado",
		Feeder:          "rastreio_nfc/raspberry/{station}/sistema",
		FeederPayload:   "batedor",
		Camera:          "sistema/camera/{station}",
		LineControl:     "ControleProducao_DD",
	}
}

// DeviceFilter 订阅全部设备上报: rastreio/+/+/dispositivo
func (s Scheme) DeviceFilter() string {
	return strings.Join([]string{s.DeviceRoot, Wildcard, Wildcard, s.DeviceRole}, "/")
}

// VisionFilter 订阅全部视觉上报: visao/+/estado
func (s Scheme) VisionFilter() string {
	return strings.Join([]string{s.VisionRoot, Wildcard, s.VisionRole}, "/")
}

// Device 设备上报主题，用于以设备身份发布令牌
func (s Scheme) Device(id types.StationID) string {
	return strings.Join([]string{s.DeviceRoot, s.DeviceTransport, id.String(), s.DeviceRole}, "/")
}

// Vision 视觉上报主题
func (s Scheme) Vision(id types.StationID) string {
	return strings.Join([]string{s.VisionRoot, id.String(), s.VisionRole}, "/")
}

// FeederTopic batedor 命令主题
func (s Scheme) FeederTopic(id types.StationID) string {
	return expand(s.Feeder, id)
}

// CameraTopic 相机命令主题
func (s Scheme) CameraTopic(id types.StationID) string {
	return expand(s.Camera, id)
}

// ParseDevice 从设备上报主题中解析工站
func (s Scheme) ParseDevice(topic string) (types.StationID, error) {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) != 4 || parts[0] != s.DeviceRoot || parts[3] != s.DeviceRole {
		return 0, fmt.Errorf("%w: %q", ErrNotDeviceTopic, topic)
	}
	return types.ParseStationID(parts[2])
}

func expand(tmpl string, id types.StationID) string {
	return strings.ReplaceAll(tmpl, StationPlaceholder, id.String())
}
