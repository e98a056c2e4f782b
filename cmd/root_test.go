// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopulateArgs_RelativeMountPointIsCanonicalized(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)

	mountPoint, err := populateArgs([]string{"pqr"})

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "pqr"), mountPoint)
}

func TestPopulateArgs_AbsoluteMountPointIsUnchanged(t *testing.T) {
	mountPoint, err := populateArgs([]string{"/pqr"})

	require.NoError(t, err)
	assert.Equal(t, "/pqr", mountPoint)
}

func TestPopulateArgs_WrongArgCountErrors(t *testing.T) {
	_, err := populateArgs(nil)
	assert.Error(t, err)

	_, err = populateArgs([]string{"a", "b"})
	assert.Error(t, err)
}
