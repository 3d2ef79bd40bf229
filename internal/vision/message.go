package vision

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"assembly-line-supervisor/internal/types"
)

// ErrNotVisionTopic 主题不符合 ".../<posto_n|n>/<role>" 格式
var ErrNotVisionTopic = errors.New("not a vision state topic")

// Parser 解析视觉检测消息
type Parser struct {
	topic *regexp.Regexp
}

// NewParser role 为主题最后一段，默认 "estado"
func NewParser(role string) *Parser {
	if role == "" {
		role = "estado"
	}
	return &Parser{
		topic: regexp.MustCompile(`/(posto_\d+|\d+)/` + regexp.QuoteMeta(role) + `$`),
	}
}

// Parse 从主题与负载中提取工站与阶段。
// 负载可以是纯文本 ("FINALIZADO") 或 JSON ({"estado":"MONTAGEM"} / {"state":"done"})
func (p *Parser) Parse(topic string, payload []byte) (types.StationID, Phase, error) {
	m := p.topic.FindStringSubmatch(strings.TrimSpace(topic))
	if m == nil {
		return 0, "", fmt.Errorf("%w: %q", ErrNotVisionTopic, topic)
	}
	id, err := types.ParseStationID(m[1])
	if err != nil {
		return 0, "", err
	}

	raw := strings.TrimSpace(string(payload))
	if strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}") {
		var body map[string]any
		if err := json.Unmarshal([]byte(raw), &body); err != nil {
			return id, "", fmt.Errorf("decode vision payload: %w", err)
		}
		raw = ""
		for k, v := range body {
			key := strings.ToLower(k)
			if key != "estado" && key != "state" {
				continue
			}
			if s, ok := v.(string); ok && s != "" {
				raw = s
				if key == "estado" {
					break
				}
			}
		}
		if raw == "" {
			return id, "", errors.New("vision payload has no estado/state field")
		}
	}

	phase, err := ParsePhase(raw)
	if err != nil {
		return id, "", err
	}
	return id, phase, nil
}
