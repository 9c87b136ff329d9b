package models

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

// ChangeKind 下游变更类型
type ChangeKind string

const (
	ChangeSnapshot   ChangeKind = "snapshot"
	ChangeSuspendAll ChangeKind = "suspend_all"
)

// LineChange 发布给下游 (out exchange / kafka / websocket) 的线路变更
type LineChange struct {
	Kind       ChangeKind    `json:"kind"`
	Source     string        `json:"source"`
	GameID     int64         `json:"game_id,omitempty"`
	Game       *GameSnapshot `json:"game,omitempty"`
	ObservedAt time.Time     `json:"observed_at"`
}

// SnapshotChange 单场比赛的变更
func SnapshotChange(source string, game GameSnapshot, at time.Time) LineChange {
	return LineChange{
		Kind:       ChangeSnapshot,
		Source:     source,
		GameID:     game.ID,
		Game:       &game,
		ObservedAt: at.UTC(),
	}
}

// SuspendAllChange 全部线路暂停
func SuspendAllChange(at time.Time) LineChange {
	return LineChange{
		Kind:       ChangeSuspendAll,
		Source:     "worker",
		ObservedAt: at.UTC(),
	}
}

// RoutingKey lines.<source>.<gameId>，全部暂停为 lines.suspend.all
func (c LineChange) RoutingKey() string {
	if c.Kind == ChangeSuspendAll {
		return "lines.suspend.all"
	}
	return fmt.Sprintf("lines.%s.%d", c.Source, c.GameID)
}

// MessageKey kafka 分区键
func (c LineChange) MessageKey() []byte {
	if c.Kind == ChangeSuspendAll {
		return []byte("suspend_all")
	}
	return []byte(fmt.Sprintf("%d", c.GameID))
}

// Fingerprint 线路状态摘要：只覆盖可变化的部分 (激活标记和盘口)
func (g GameSnapshot) Fingerprint() string {
	markets := g.Markets
	if markets == nil {
		markets = []MarketLine{}
	}
	state := struct {
		LinesActive bool         `json:"a"`
		Markets     []MarketLine `json:"m"`
	}{g.LinesActive, markets}

	data, err := json.Marshal(state)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:16])
}
