// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package helpers

import (
	"os"
	"strings"
)

// GetBoolEnv reads a boolean environment variable. "true", "1", "yes",
// "on", "enable" and "enabled" are true, their opposites false, any other
// non-empty value true. Unset or empty gives defaultValue.
func GetBoolEnv(envVar string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envVar))) {
	case "false", "0", "no", "off", "disable", "disabled":
		return false
	case "":
		return defaultValue
	}
	return true
}

// DebugEnabled reports whether DEBUG or LAKESORT_DEBUG asks for debug
// logging.
func DebugEnabled() bool {
	return GetBoolEnv("DEBUG", false) || GetBoolEnv("LAKESORT_DEBUG", false)
}
