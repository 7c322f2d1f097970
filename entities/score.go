package entities

// 比分相关实体

import (
	"maps"
	"slices"
)

// Sport 表示记分台当前的运动项目
type Sport int

const (
	SportUnknown Sport = iota
	SportVolleyball
	SportBasketball
	SportHandball
)

// String 返回运动项目的名称
func (s Sport) String() string {
	switch s {
	case SportVolleyball:
		return "volleyball"
	case SportBasketball:
		return "basketball"
	case SportHandball:
		return "handball"
	default:
		return "unknown"
	}
}

// ParseSport 根据名称解析运动项目，无法识别时返回 SportUnknown
func ParseSport(name string) Sport {
	switch name {
	case "volleyball", "volley":
		return SportVolleyball
	case "basketball", "basket":
		return SportBasketball
	case "handball":
		return SportHandball
	default:
		return SportUnknown
	}
}

// SportRules 描述某个运动项目的显示端会用到的字段
//
// 比分接收端不关心这些规则，只原样转发字段
type SportRules struct {
	Sport Sport
	// 每支队伍各有一份的字段，字段名后缀为 0 / 1
	TeamFields []string
	// 整场比赛共用的字段
	MatchFields []string
}

// RulesFor 返回运动项目对应的显示规则
func RulesFor(sport Sport) SportRules {
	switch sport {
	case SportVolleyball:
		return SportRules{
			Sport:       sport,
			TeamFields:  []string{"team", "score", "set", "timeout"},
			MatchFields: []string{"servizio", "startTimeout", "stopTimeout"},
		}
	case SportBasketball:
		return SportRules{
			Sport:       sport,
			TeamFields:  []string{"team", "score", "timeout", "fauls", "bonus"},
			MatchFields: []string{"period", "possess"},
		}
	case SportHandball:
		return SportRules{
			Sport:       sport,
			TeamFields:  []string{"team", "score", "timeout"},
			MatchFields: []string{"period"},
		}
	default:
		return SportRules{Sport: SportUnknown}
	}
}

// ScoreSnapshot 是某一时刻的不可变比分快照
//
// 只能通过 NewScoreSnapshot 创建，字段表在创建时复制，之后不会再被修改
type ScoreSnapshot struct {
	sessionID string
	sequence  uint64
	sport     Sport
	fields    map[string]string
}

// NewScoreSnapshot 创建一个比分快照
func NewScoreSnapshot(sessionID string, sequence uint64, sport Sport, fields map[string]string) *ScoreSnapshot {
	return &ScoreSnapshot{
		sessionID: sessionID,
		sequence:  sequence,
		sport:     sport,
		fields:    maps.Clone(fields),
	}
}

// SessionID 返回产生该快照的会话 ID
func (ss *ScoreSnapshot) SessionID() string {
	return ss.sessionID
}

// Sequence 返回快照的序号
func (ss *ScoreSnapshot) Sequence() uint64 {
	return ss.sequence
}

// Sport 返回快照对应的运动项目
func (ss *ScoreSnapshot) Sport() Sport {
	return ss.sport
}

// Field 读取单个字段
func (ss *ScoreSnapshot) Field(name string) (string, bool) {
	value, ok := ss.fields[name]
	return value, ok
}

// Fields 返回字段表的副本
func (ss *ScoreSnapshot) Fields() map[string]string {
	return maps.Clone(ss.fields)
}

// FieldNames 返回排好序的字段名
func (ss *ScoreSnapshot) FieldNames() []string {
	return slices.Sorted(maps.Keys(ss.fields))
}

// ScoreUpdate 是线路上的一条比分更新消息
type ScoreUpdate struct {
	Sequence uint64
	Sport    Sport
	Fields   map[string]string
}
