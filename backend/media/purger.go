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

// Package media removes the locally cached media of a group.
package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidGroupID = errors.New("media: invalid group id")

// FilesystemPurger stores each group's media under <root>/<groupID>.
type FilesystemPurger struct {
	root   string
	logger *slog.Logger
}

func NewFilesystemPurger(root string, logger *slog.Logger) *FilesystemPurger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FilesystemPurger{root: root, logger: logger.With("component", "media")}
}

// Dir returns the media directory of a group.
func (p *FilesystemPurger) Dir(groupID string) (string, error) {
	if groupID == "" || groupID != filepath.Base(groupID) || strings.HasPrefix(groupID, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidGroupID, groupID)
	}
	return filepath.Join(p.root, groupID), nil
}

// PurgeGroup deletes every cached item of the group and confirms nothing is
// left. A group without media is already purged.
func (p *FilesystemPurger) PurgeGroup(ctx context.Context, groupID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := p.Dir(groupID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("media: purging %s: %w", groupID, err)
	}
	if _, err := os.Stat(dir); !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("media: %s still present after purge", groupID)
	}
	p.logger.Info("purged group media", "group_id", groupID)
	return nil
}

// Count returns how many files are cached for the group.
func (p *FilesystemPurger) Count(groupID string) (int, error) {
	dir, err := p.Dir(groupID)
	if err != nil {
		return 0, err
	}
	n := 0
	err = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return n, err
}
