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

package relationships

import (
	"sort"

	"github.com/efchatnet/hearth/backend/models"
)

// index is the derived lookup over every relationship. It is rebuilt from
// the store after each mutation and never edited in place.
type index struct {
	byID      map[string]models.Relationship
	byGroup   map[string]string
	byRemote  map[string][]string
	byProfile map[string][]string
}

func buildIndex(rels []models.Relationship) *index {
	idx := &index{
		byID:      make(map[string]models.Relationship, len(rels)),
		byGroup:   make(map[string]string, len(rels)),
		byRemote:  make(map[string][]string),
		byProfile: make(map[string][]string),
	}
	for _, r := range rels {
		idx.byID[r.ID] = r
		if r.GroupID != "" {
			idx.byGroup[r.GroupID] = r.ID
		}
		idx.byRemote[r.RemoteHouseholdKey] = append(idx.byRemote[r.RemoteHouseholdKey], r.ID)
		idx.byProfile[r.ProfileID] = append(idx.byProfile[r.ProfileID], r.ID)
	}
	return idx
}

func (idx *index) resolve(ids []string) []models.Relationship {
	out := make([]models.Relationship, 0, len(ids))
	for _, id := range ids {
		out = append(out, idx.byID[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (idx *index) group(groupID string) (models.Relationship, bool) {
	id, ok := idx.byGroup[groupID]
	if !ok {
		return models.Relationship{}, false
	}
	return idx.byID[id], true
}
