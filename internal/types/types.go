package types

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidStation 工站标识无法解析
var ErrInvalidStation = errors.New("invalid station id")

// StationID 定义工站 ID
// 即工站在产线上的序号 (从 0 开始)，线上编码为 "posto_<n>"
type StationID int

// String 返回线上使用的工站名称
func (id StationID) String() string {
	return fmt.Sprintf("posto_%d", int(id))
}

var trailingDigits = regexp.MustCompile(`(\d+)$`)

// ParseStationID 解析工站标识
// 接受 "posto_0"、"Posto 0"、"POSTO 0" 以及纯数字 "0"
func ParseStationID(raw string) (StationID, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidStation)
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidStation, raw)
		}
		return StationID(n), nil
	}
	m := trailingDigits.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidStation, raw)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidStation, raw)
	}
	return StationID(n), nil
}

// Token 设备上报的离散事件
type Token string

const (
	TokenArrive    Token = "ARRIVE"    // 工件到达 (线上编码 BS)
	TokenPrepared  Token = "PREPARED"  // 准备完成 (BT1)
	TokenAssembled Token = "ASSEMBLED" // 装配完成 (BT2)，受视觉门控
	TokenDispatch  Token = "DISPATCH"  // 工件放行 (BD)
)

// wireTokens 设备固件使用的短编码
var wireTokens = map[string]Token{
	"BS":        TokenArrive,
	"BT1":       TokenPrepared,
	"BT2":       TokenAssembled,
	"BD":        TokenDispatch,
	"ARRIVE":    TokenArrive,
	"PREPARED":  TokenPrepared,
	"ASSEMBLED": TokenAssembled,
	"DISPATCH":  TokenDispatch,
}

// ParseToken 将设备负载解析为时间令牌，非令牌负载 (例如 NFC 标签) 返回 false
func ParseToken(payload string) (Token, bool) {
	t, ok := wireTokens[strings.ToUpper(strings.TrimSpace(payload))]
	return t, ok
}

// WireCode 返回令牌在设备总线上的短编码
func (t Token) WireCode() string {
	switch t {
	case TokenArrive:
		return "BS"
	case TokenPrepared:
		return "BT1"
	case TokenAssembled:
		return "BT2"
	case TokenDispatch:
		return "BD"
	}
	return string(t)
}

var (
	productCodePattern = regexp.MustCompile(`^\d{3}CP\d{2}\d{3}$`)
	palletCodePattern  = regexp.MustCompile(`^PLT(0[1-9]|1[0-9]|2[0-6])$`)
)

// ValidProductCode 校验产品编码，格式 DDDCPVVNNN:
// DDD 为年内天数 (001-366)，VV 为样机版本 (非 00)，NNN 为当日序号 (非 000)
func ValidProductCode(code string) bool {
	code = strings.TrimSpace(code)
	if !productCodePattern.MatchString(code) {
		return false
	}
	day, _ := strconv.Atoi(code[:3])
	proto, _ := strconv.Atoi(code[5:7])
	serial, _ := strconv.Atoi(code[7:])
	return day >= 1 && day <= 366 && proto != 0 && serial != 0
}

// ValidPalletCode 校验托盘编码 PLT01 ... PLT26
func ValidPalletCode(code string) bool {
	return palletCodePattern.MatchString(strings.TrimSpace(code))
}

// Operator 工站当前分配的操作员
type Operator struct {
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}
