// Package limits maps port and user policy configuration onto the action the
// engine must take.
package limits

import "fmt"

// Code is the persisted action code found in due_action / quota_action.
type Code int

const (
	CodeNoAction       Code = 0
	CodeSpeedLimit10K  Code = 1
	CodeSpeedLimit100K Code = 2
	CodeSpeedLimit1M   Code = 3
	CodeSpeedLimit10M  Code = 4
	CodeSpeedLimit30M  Code = 5
	CodeSpeedLimit100M Code = 6
	CodeSpeedLimit1G   Code = 7
	CodeDeleteRule     Code = 8
)

// speedLimits maps speed limit codes to kbit/s.
var speedLimits = map[Code]int64{
	CodeSpeedLimit10K:  10,
	CodeSpeedLimit100K: 100,
	CodeSpeedLimit1M:   1000,
	CodeSpeedLimit10M:  10000,
	CodeSpeedLimit30M:  30000,
	CodeSpeedLimit100M: 100000,
	CodeSpeedLimit1G:   1000000,
}

type Kind int

const (
	KindNone Kind = iota
	KindDeleteRule
	KindSpeedLimit
	KindUnrecognized
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDeleteRule:
		return "delete_rule"
	case KindSpeedLimit:
		return "speed_limit"
	case KindUnrecognized:
		return "unrecognized"
	default:
		return "unknown"
	}
}

// Action is the outcome of an evaluation. Rate is only meaningful for
// KindSpeedLimit; Code always carries the code the action was decoded from.
type Action struct {
	Kind Kind
	Rate int64
	Code Code
}

var NoAction = Action{Kind: KindNone, Code: CodeNoAction}

func DeleteRule() Action {
	return Action{Kind: KindDeleteRule, Code: CodeDeleteRule}
}

// SpeedLimit returns the throttling action for rate, or an unrecognized action
// if rate is not one of the supported steps.
func SpeedLimit(rate int64) Action {
	for code, r := range speedLimits {
		if r == rate {
			return Action{Kind: KindSpeedLimit, Rate: rate, Code: code}
		}
	}
	return Action{Kind: KindUnrecognized, Code: -1}
}

// FromCode decodes a persisted code. Unknown codes are not an error.
func FromCode(code Code) Action {
	switch {
	case code == CodeNoAction:
		return NoAction
	case code == CodeDeleteRule:
		return DeleteRule()
	}
	if rate, ok := speedLimits[code]; ok {
		return Action{Kind: KindSpeedLimit, Rate: rate, Code: code}
	}
	return Action{Kind: KindUnrecognized, Code: code}
}

func (a Action) String() string {
	switch a.Kind {
	case KindSpeedLimit:
		return fmt.Sprintf("speed_limit(%d)", a.Rate)
	case KindUnrecognized:
		return fmt.Sprintf("unrecognized(%d)", a.Code)
	default:
		return a.Kind.String()
	}
}
