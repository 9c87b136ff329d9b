package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lines-service/pkg/common"
)

// LinesResult 线路 API 的响应 {success, content, exception}
type LinesResult struct {
	Success   bool
	Content   []GameSnapshot
	Exception string
	// Dropped 被丢弃的记录或字段说明
	Dropped []string
}

// 上游未带时区的时间按 UTC 解析
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// DecodeLinesResult 宽松解析 API 响应：未知字段忽略，坏的可选字段或记录被丢弃
func DecodeLinesResult(data []byte) (LinesResult, error) {
	var result LinesResult

	fields, err := objectFields(data)
	if err != nil {
		return result, fmt.Errorf("failed to parse lines result: %w", err)
	}

	if raw, ok := fields["success"]; ok {
		result.Success, _ = rawBool(raw)
	}
	if raw, ok := fields["exception"]; ok {
		result.Exception, _ = rawString(raw)
	}

	raw, ok := fields["content"]
	if !ok || isNull(raw) {
		return result, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		result.Dropped = append(result.Dropped, "content: not an array")
		return result, nil
	}

	result.Content = make([]GameSnapshot, 0, len(items))
	for i, item := range items {
		game, dropped, err := decodeGame(item)
		result.Dropped = append(result.Dropped, dropped...)
		if err != nil {
			result.Dropped = append(result.Dropped, fmt.Sprintf("content[%d]: %v", i, err))
			continue
		}
		result.Content = append(result.Content, game)
	}

	return result, nil
}

// DecodeDelta 解析 broker 消息体
//
// 消息体可以是裸快照，也可以是 {success, content, exception} 信封。
// 上游标记失败时返回失败信封且 error 为 nil；无法解析时返回 DecodeError。
func DecodeDelta(body []byte) (DeltaEnvelope, error) {
	fields, err := objectFields(body)
	if err != nil {
		decodeErr := common.NewDecodeError(common.SourceBroker, "malformed delta", nil, err)
		return FailureEnvelope(decodeErr.Error(), decodeErr), decodeErr
	}

	_, hasContent := fields["content"]
	_, hasSuccess := fields["success"]
	if hasContent || hasSuccess {
		success, _ := rawBool(fields["success"])
		if !success {
			diagnostic, _ := rawString(fields["exception"])
			if diagnostic == "" {
				diagnostic = "provider reported failure without detail"
			}
			return FailureEnvelope(diagnostic, common.ErrProviderFailure), nil
		}
		content, ok := fields["content"]
		if !ok || isNull(content) {
			decodeErr := common.NewDecodeError(common.SourceBroker, "envelope without content", nil, nil)
			return FailureEnvelope(decodeErr.Error(), decodeErr), decodeErr
		}
		fields, err = objectFields(content)
		if err != nil {
			decodeErr := common.NewDecodeError(common.SourceBroker, "malformed delta content", nil, err)
			return FailureEnvelope(decodeErr.Error(), decodeErr), decodeErr
		}
	}

	game, _, err := gameFromFields(fields)
	if err != nil {
		decodeErr := common.NewDecodeError(common.SourceBroker, "invalid delta", nil, err)
		return FailureEnvelope(decodeErr.Error(), decodeErr), decodeErr
	}

	return SuccessEnvelope(game), nil
}

// DecodeGame 宽松解析单个快照
func DecodeGame(data []byte) (GameSnapshot, error) {
	game, _, err := decodeGame(data)
	return game, err
}

func decodeGame(data []byte) (GameSnapshot, []string, error) {
	fields, err := objectFields(data)
	if err != nil {
		return GameSnapshot{}, nil, err
	}
	return gameFromFields(fields)
}

func gameFromFields(fields map[string]json.RawMessage) (GameSnapshot, []string, error) {
	var (
		game    GameSnapshot
		dropped []string
		ok      bool
	)

	drop := func(name string) {
		dropped = append(dropped, name)
	}

	raw, present := fields["id"]
	if !present {
		return game, dropped, common.ErrMissingGameID
	}
	if game.ID, ok = rawInt64(raw); !ok || game.ID == 0 {
		return game, dropped, common.ErrMissingGameID
	}

	for key, raw := range fields {
		if isNull(raw) {
			continue
		}
		switch key {
		case "sport":
			if game.Sport, ok = rawInt(raw); !ok {
				drop("sport")
			}
		case "group":
			if game.Group, ok = rawString(raw); !ok {
				drop("group")
			}
		case "starttimeutc", "starttime":
			if game.StartTime, ok = rawTime(raw); !ok {
				drop(key)
			}
		case "awayrotation":
			if game.AwayRotation, ok = rawInt(raw); !ok {
				drop("awayRotation")
			}
		case "homerotation":
			if game.HomeRotation, ok = rawInt(raw); !ok {
				drop("homeRotation")
			}
		case "awayname":
			if game.AwayName, ok = rawString(raw); !ok {
				drop("awayName")
			}
		case "homename":
			if game.HomeName, ok = rawString(raw); !ok {
				drop("homeName")
			}
		case "linesactive":
			if game.LinesActive, ok = rawBool(raw); !ok {
				drop("linesActive")
			}
		case "markets":
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				drop("markets")
				continue
			}
			for i, item := range items {
				market, marketDropped, err := decodeMarket(item)
				if err != nil {
					drop(fmt.Sprintf("markets[%d]", i))
					continue
				}
				for _, name := range marketDropped {
					drop(fmt.Sprintf("markets[%d].%s", i, name))
				}
				game.Markets = append(game.Markets, market)
			}
		}
	}

	if game.Markets == nil {
		game.Markets = []MarketLine{}
	}

	return game, dropped, nil
}

func decodeMarket(data []byte) (MarketLine, []string, error) {
	var (
		market  MarketLine
		dropped []string
		ok      bool
	)

	fields, err := objectFields(data)
	if err != nil {
		return market, nil, err
	}

	for key, raw := range fields {
		if isNull(raw) {
			continue
		}
		switch key {
		case "lineid":
			if market.LineID, ok = rawString(raw); !ok {
				dropped = append(dropped, "lineId")
			}
		case "handicap":
			if v, ok := rawFloat(raw); ok {
				market.Handicap = &v
			} else {
				dropped = append(dropped, "handicap")
			}
		case "odd", "price":
			if v, ok := rawFloat(raw); ok {
				market.Price = &v
			} else {
				dropped = append(dropped, key)
			}
		case "suspended":
			if market.Suspended, ok = rawBool(raw); !ok {
				dropped = append(dropped, "suspended")
			}
		case "marketname":
			if market.MarketName, ok = rawString(raw); !ok {
				dropped = append(dropped, "marketName")
			}
		case "markettype":
			if market.Kind, ok = rawMarketKind(raw); !ok {
				dropped = append(dropped, "marketType")
			}
		case "issingle":
			if market.IsSingle, ok = rawBool(raw); !ok {
				dropped = append(dropped, "isSingle")
			}
		}
	}

	return market, dropped, nil
}

// objectFields 把 JSON 对象拆成小写键的字段表
func objectFields(data []byte) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("expected JSON object")
	}
	fields := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		fields[strings.ToLower(k)] = v
	}
	return fields, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func rawString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func rawBool(raw json.RawMessage) (bool, bool) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	if s, ok := rawString(raw); ok {
		if v, err := strconv.ParseBool(s); err == nil {
			return v, true
		}
	}
	return false, false
}

func rawFloat(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	if s, ok := rawString(raw); ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

func rawInt64(raw json.RawMessage) (int64, bool) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	if s, ok := rawString(raw); ok {
		if v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

func rawInt(raw json.RawMessage) (int, bool) {
	n, ok := rawInt64(raw)
	return int(n), ok
}

func rawTime(raw json.RawMessage) (time.Time, bool) {
	s, ok := rawString(raw)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func rawMarketKind(raw json.RawMessage) (MarketKind, bool) {
	if n, ok := rawInt64(raw); ok {
		if n < int64(MarketMoneyLine) || n > int64(MarketTotal) {
			return 0, false
		}
		return MarketKind(n), true
	}
	s, ok := rawString(raw)
	if !ok {
		return 0, false
	}
	switch strings.ToLower(s) {
	case "moneyline":
		return MarketMoneyLine, true
	case "spread", "handicap":
		return MarketSpread, true
	case "total":
		return MarketTotal, true
	}
	return 0, false
}
