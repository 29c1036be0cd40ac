package agenda

import (
	"strconv"
	"strings"
)

type Priority int

const (
	PriorityLowest  Priority = -20
	PriorityLow     Priority = -10
	PriorityNormal  Priority = 0
	PriorityHigh    Priority = 10
	PriorityHighest Priority = 20
)

var priorityNames = map[string]Priority{
	"lowest":  PriorityLowest,
	"low":     PriorityLow,
	"normal":  PriorityNormal,
	"high":    PriorityHigh,
	"highest": PriorityHighest,
}

// ParsePriority resolves a named priority. Unknown names resolve to
// PriorityNormal.
func ParsePriority(name string) Priority {
	return priorityNames[strings.ToLower(strings.TrimSpace(name))]
}

func (p Priority) String() string {
	for name, v := range priorityNames {
		if v == p {
			return name
		}
	}

	return strconv.Itoa(int(p))
}
