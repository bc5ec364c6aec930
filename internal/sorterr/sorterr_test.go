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

package sorterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigError(t *testing.T) {
	err := New("fanIn", 1, "must be greater than 1")
	assert.Equal(t, "invalid fanIn 1: must be greater than 1", err.Error())
	assert.Equal(t, "invalid keys: at least one sort key is required", New("keys", nil, "at least one sort key is required").Error())

	wrapped := fmt.Errorf("sorter: %w", err)
	assert.True(t, IsConfig(wrapped))
	assert.False(t, IsConfig(errors.New("disk full")))
}
