package models

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MarketKind 市场类型: MoneyLine = 0, Spread = 1, Total = 2
type MarketKind int

const (
	MarketMoneyLine MarketKind = 0
	MarketSpread    MarketKind = 1
	MarketTotal     MarketKind = 2
)

func (k MarketKind) String() string {
	switch k {
	case MarketMoneyLine:
		return "moneyline"
	case MarketSpread:
		return "spread"
	case MarketTotal:
		return "total"
	default:
		return "unknown"
	}
}

// GameSnapshot 单场比赛在某一时刻的完整线路
//
// 构建后不再修改；同一 ID 的新快照整体替换旧快照。
type GameSnapshot struct {
	ID           int64        `json:"id"`
	Sport        int          `json:"sport"`
	Group        string       `json:"group,omitempty"`
	StartTime    time.Time    `json:"start_time"`
	AwayRotation int          `json:"away_rotation"`
	HomeRotation int          `json:"home_rotation"`
	AwayName     string       `json:"away_name"`
	HomeName     string       `json:"home_name"`
	LinesActive  bool         `json:"lines_active"`
	Markets      []MarketLine `json:"markets"`
}

// MarketLine 比赛中的单条市场线路
type MarketLine struct {
	LineID     string     `json:"line_id"`
	Handicap   *float64   `json:"handicap,omitempty"`
	Price      *float64   `json:"price,omitempty"`
	Suspended  bool       `json:"suspended"`
	MarketName string     `json:"market_name,omitempty"`
	Kind       MarketKind `json:"kind"`
	IsSingle   bool       `json:"is_single"`
}

// Summary 日志用的市场摘要
func (m MarketLine) Summary() string {
	return fmt.Sprintf("[%s] - Suspended:%t HC:%s ODD:%s",
		m.LineID, m.Suspended, formatOptional(m.Handicap), formatOptional(m.Price))
}

// Title 日志用的比赛描述，如 "101 Jets at 102 Bills"
func (g GameSnapshot) Title() string {
	return fmt.Sprintf("%d %s at %d %s", g.AwayRotation, g.AwayName, g.HomeRotation, g.HomeName)
}

// MarketSummaries 所有市场的日志摘要
func (g GameSnapshot) MarketSummaries() []string {
	if len(g.Markets) == 0 {
		return nil
	}
	out := make([]string, 0, len(g.Markets))
	for _, m := range g.Markets {
		out = append(out, m.Summary())
	}
	return out
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// DeltaEnvelope broker 增量的解析结果，Game 与 Err 二者恰有其一
type DeltaEnvelope struct {
	Game       *GameSnapshot
	Err        error
	Diagnostic string
}

// SuccessEnvelope 包装成功解析的快照
func SuccessEnvelope(game GameSnapshot) DeltaEnvelope {
	return DeltaEnvelope{Game: &game}
}

// FailureEnvelope 包装失败及诊断信息
func FailureEnvelope(diagnostic string, err error) DeltaEnvelope {
	if err == nil {
		err = errors.New(diagnostic)
	}
	return DeltaEnvelope{Err: err, Diagnostic: diagnostic}
}

// Success 是否携带快照
func (e DeltaEnvelope) Success() bool {
	return e.Err == nil && e.Game != nil
}

// GameID 失败信封返回 nil
func (e DeltaEnvelope) GameID() *int64 {
	if e.Game == nil {
		return nil
	}
	id := e.Game.ID
	return &id
}
