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

package models

import "errors"

var (
	// ErrRelaysUnavailable means no relay accepted or answered the request.
	// Fatal for the attempted operation, retryable later.
	ErrRelaysUnavailable = errors.New("relays unavailable")

	// ErrKeyPackageMissing means discovery finished without finding a
	// ticket. It is a user-actionable state, not a bug.
	ErrKeyPackageMissing = errors.New("key package missing")

	ErrGroupIdentifierMissing = errors.New("group identifier missing")
	ErrChildProfileMissing    = errors.New("child profile missing")

	// ErrInvalidRecipientKey rejects malformed keys before any network call.
	ErrInvalidRecipientKey = errors.New("invalid recipient key")

	ErrNotFound = errors.New("not found")

	// ErrMediaPurgeIncomplete is returned alongside a committed block or
	// remove whose media purge did not finish.
	ErrMediaPurgeIncomplete = errors.New("media purge incomplete")

	// ErrRelationshipClosed means the relationship carrying a group is not
	// active, so no household traffic flows through it.
	ErrRelationshipClosed = errors.New("relationship not active")

	ErrInvalidReportLevel  = errors.New("invalid report level")
	ErrInvalidReportStatus = errors.New("invalid report status")
)

// ErrStateConflict means a relationship changed state between read and
// write.
var ErrStateConflict = errors.New("relationship state changed concurrently")
