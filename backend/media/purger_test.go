// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurgeGroupRemovesEverything(t *testing.T) {
	root := t.TempDir()
	p := NewFilesystemPurger(root, nil)

	dir, err := p.Dir("g1")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "thumbs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "v1.mp4"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "thumbs", "v1.jpg"), []byte("x"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "g2"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "g2", "keep"), []byte("x"), 0o600))

	n, err := p.Count("g1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, p.PurgeGroup(context.Background(), "g1"))
	n, err = p.Count("g1")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = p.Count("g2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPurgeMissingGroupIsNoop(t *testing.T) {
	p := NewFilesystemPurger(t.TempDir(), nil)
	assert.NoError(t, p.PurgeGroup(context.Background(), "never-cached"))
}

func TestRejectsTraversal(t *testing.T) {
	p := NewFilesystemPurger(t.TempDir(), nil)
	for _, id := range []string{"", "..", "../etc", "a/b", ".hidden"} {
		assert.ErrorIs(t, p.PurgeGroup(context.Background(), id), ErrInvalidGroupID, id)
	}
}
