package common

import (
	"strconv"
	"strings"
)

// AtoiDefault parses value, returning def when it is blank or not a number.
func AtoiDefault(value string, def int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return def
	}
	return parsed
}
