// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package parser

import (
	"sort"

	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
)

// AssembleAlbums groups posts sharing a grouped_id into media groups.
// Slot integrity is a hard invariant: every album slot has exactly one
// primary media. A violated album is rejected whole, never persisted
// partially; the posts themselves still persist individually.
func AssembleAlbums(posts []*models.Post, raw map[int64][]SourceMedia) ([]*models.MediaGroup, []error) {
	byGroup := make(map[int64][]*models.Post)
	for _, p := range posts {
		if p.GroupedID == nil {
			continue
		}
		byGroup[*p.GroupedID] = append(byGroup[*p.GroupedID], p)
	}

	var (
		groups []*models.MediaGroup
		errs   []error
	)
	for groupedID, members := range byGroup {
		if len(members) < 2 {
			// A lone message with a grouped_id is an album fragment;
			// keep it as a plain post.
			continue
		}
		sort.Slice(members, func(i, j int) bool {
			return members[i].TGMessageID < members[j].TGMessageID
		})

		group := &models.MediaGroup{
			GroupUUID:   uuid.New(),
			ChannelUUID: members[0].ChannelUUID,
			Tenant:      members[0].Tenant,
			GroupedID:   groupedID,
			ItemsCount:  len(members),
		}
		ok := true
		for _, member := range members {
			primary, found := primaryMedia(raw[member.TGMessageID])
			if !found {
				errs = append(errs, errclass.Newf(errclass.SchemaInvalid,
					"album %d: message %d has no single primary media",
					groupedID, member.TGMessageID))
				ok = false
				break
			}
			group.PostUUIDs = append(group.PostUUIDs, member.PostUUID)
			group.MediaTypes = append(group.MediaTypes, primary.Mime)
			group.MediaSHA256s = append(group.MediaSHA256s, primary.SHA256)
		}
		if !ok {
			continue
		}
		if err := group.Validate(); err != nil {
			errs = append(errs, errclass.Wrap(errclass.SchemaInvalid, err,
				"album %d integrity", groupedID))
			continue
		}
		groups = append(groups, group)
	}
	return groups, errs
}

// primaryMedia picks the slot's single primary attachment. Exactly one
// must be flagged primary; with no flags, a single attachment is its own
// primary.
func primaryMedia(media []SourceMedia) (SourceMedia, bool) {
	var (
		primary SourceMedia
		count   int
	)
	for _, m := range media {
		if m.Primary {
			primary = m
			count++
		}
	}
	if count == 1 {
		return primary, true
	}
	if count == 0 && len(media) == 1 {
		return media[0], true
	}
	return SourceMedia{}, false
}
