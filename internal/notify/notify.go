// Package notify 定义监督器向外推送的边界：界面推送 (Notifier) 与设备命令 (Commander)，
// 以及推送时使用的稳定线上编码。
package notify

import (
	"context"
	"math"
	"time"

	"assembly-line-supervisor/internal/fsm"
	"assembly-line-supervisor/internal/station"
	"assembly-line-supervisor/internal/types"
)

// 推送主题
const (
	TopicStateChanged   = "posto/state_changed"
	TopicStateSnapshot  = "posto/state_snapshot"
	TopicAlert          = "posto/alerta"
	TopicProgress       = "producao/update"
	TopicStatus         = "producao/status"
	TopicLineStopped    = "producao/parada"
	TopicGlobalSync     = "global/sync_data"
	TopicOperatorUpdate = "global/operador_update"
)

// 告警颜色
const (
	ColorError   = "#ff0000"
	ColorWarning = "#ffa500"
	ColorOK      = "#00ff00"
)

// Notifier 界面推送。room 为空表示全局广播，否则只推送给加入该房间 (工站) 的客户端。
// 实现可以失败，调用方负责吞掉错误，不能影响产线逻辑。
type Notifier interface {
	Broadcast(topic, room string, payload any) error
	Alert(id types.StationID, message, color string, duration time.Duration) error
}

// Commander 发往设备总线的命令，均为发后即忘
type Commander interface {
	// ActivateFeeder 命令工站的 batedor 放行/送料
	ActivateFeeder(ctx context.Context, id types.StationID) error
	// LineSignal 产线启动/停止信号
	LineSignal(ctx context.Context, start bool) error
	// Camera 重启 (on) 或停止工站相机
	Camera(ctx context.Context, id types.StationID, on bool) error
	// PublishToken 以设备身份发布令牌 (托盘关联后触发首工站放行)
	PublishToken(ctx context.Context, id types.StationID, tok types.Token) error
}

// Room 工站房间名
func Room(id types.StationID) string { return id.String() }

// StateCode 工站状态的线上编码。该表是界面与监督器之间的稳定契约，不随内部枚举变化。
//
//	IDLE=0 ARRIVED=1 PREPARED=2 WAITING=3
func StateCode(s fsm.State) int {
	switch s {
	case fsm.StateIdle:
		return 0
	case fsm.StateArrived:
		return 1
	case fsm.StatePrepared:
		return 2
	case fsm.StateWaiting:
		return 3
	}
	return -1
}

// StationPayload 工站快照的线上格式，时间单位为秒 (两位小数)，未测量的阶段为 null
type StationPayload struct {
	ID            string   `json:"id"`
	State         int      `json:"state"`
	Product       *string  `json:"produto"`
	Model         string   `json:"modelo"`
	Pallet        *string  `json:"palete"`
	Completed     int      `json:"n_produtos"`
	Arrival       *float64 `json:"arrival"`
	Prep          *float64 `json:"t_preparo"`
	Assembly      *float64 `json:"t_montagem"`
	Wait          *float64 `json:"t_espera"`
	Transfer      *float64 `json:"t_transf"`
	Cycle         *float64 `json:"t_ciclo"`
	LastUpdate    float64  `json:"last_update_ts"`
	OperatorName  *string  `json:"funcionario_nome"`
	OperatorImage *string  `json:"funcionario_imagem"`
}

// EncodeSnapshot 工站快照 -> 线上格式
func EncodeSnapshot(snap station.Snapshot, model string) StationPayload {
	p := StationPayload{
		ID:         snap.ID.String(),
		State:      StateCode(snap.State),
		Product:    optString(snap.Product),
		Model:      model,
		Pallet:     optString(snap.Pallet),
		Completed:  snap.Completed,
		Arrival:    Seconds(snap.Durations.Arrival),
		Prep:       Seconds(snap.Durations.Prep),
		Assembly:   Seconds(snap.Durations.Assembly),
		Wait:       Seconds(snap.Durations.Wait),
		Transfer:   Seconds(snap.Durations.Transfer),
		Cycle:      Seconds(snap.Durations.Cycle),
		LastUpdate: unixSeconds(snap.UpdatedAt),
	}
	if snap.Operator != nil {
		p.OperatorName = optString(snap.Operator.Name)
		p.OperatorImage = optString(snap.Operator.Image)
	}
	return p
}

// StateChangedPayload posto/state_changed
type StateChangedPayload struct {
	ID   string  `json:"id"`
	From int     `json:"from"`
	To   int     `json:"to"`
	At   float64 `json:"ts"`
}

// EncodeStateChange 状态迁移 -> 线上格式
func EncodeStateChange(id types.StationID, from, to fsm.State, at time.Time) StateChangedPayload {
	return StateChangedPayload{ID: id.String(), From: StateCode(from), To: StateCode(to), At: unixSeconds(at)}
}

// AlertPayload posto/alerta
type AlertPayload struct {
	Station  string `json:"posto"`
	Message  string `json:"mensagem"`
	Color    string `json:"cor"`
	Duration int64  `json:"tempo"` // 毫秒
}

// ProgressPayload producao/update；projection 为 null 表示无法预估
type ProgressPayload struct {
	Completed  int      `json:"atual"`
	Target     int      `json:"meta"`
	Projection *float64 `json:"projecao"`
}

// Seconds 时长 -> 秒 (两位小数)，nil 保持 nil
func Seconds(d *time.Duration) *float64 {
	if d == nil {
		return nil
	}
	v := Round2(d.Seconds())
	return &v
}

// Round2 保留两位小数
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return Round2(float64(t.UnixMilli()) / 1000)
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
