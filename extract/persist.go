package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/brunobiangulo/graphreason/store"
)

// Persist writes a chunk's extraction result into the graph store:
// entities are upserted with MENTIONS edges to textUnitID, relationships
// are upserted against the resulting entity ids, and claims are linked
// via SOURCED_FROM once their subject (and optional object) resolve to
// entities.
func Persist(ctx context.Context, st *store.Store, textUnitID int64, res Result) error {
	idByName := make(map[string]int64, len(res.Entities))
	for _, e := range res.Entities {
		id, err := st.UpsertEntityAndMention(ctx, e.Name, e.Type, e.Description, e.Confidence, textUnitID)
		if err != nil {
			return fmt.Errorf("upserting entity %q: %w", e.Name, err)
		}
		idByName[e.Name] = id
	}

	resolve := func(ctx context.Context, name string) (int64, bool) {
		if name == "" {
			return 0, false
		}
		if id, ok := idByName[strings.ToLower(name)]; ok {
			return id, true
		}
		ents, err := st.GetEntitiesByNames(ctx, []string{name})
		if err != nil || len(ents) == 0 {
			return 0, false
		}
		idByName[strings.ToLower(name)] = ents[0].ID
		return ents[0].ID, true
	}

	for _, r := range res.Relationships {
		srcID, ok := resolve(ctx, r.Source)
		if !ok {
			continue
		}
		tgtID, ok := resolve(ctx, r.Target)
		if !ok {
			continue
		}
		tu := textUnitID
		if _, err := st.UpsertRelationship(ctx, store.Relationship{
			SourceEntityID:   srcID,
			TargetEntityID:   tgtID,
			RelationType:     r.Type,
			Weight:           r.Weight,
			Confidence:       r.Confidence,
			Description:      r.Description,
			SourceTextUnitID: &tu,
		}); err != nil {
			return fmt.Errorf("upserting relationship %s->%s: %w", r.Source, r.Target, err)
		}
	}

	for _, c := range res.Claims {
		subID, ok := resolve(ctx, c.Subject)
		if !ok {
			continue
		}
		var objID *int64
		if c.Object != "" {
			if id, ok := resolve(ctx, c.Object); ok {
				objID = &id
			}
		}

		sc := store.Claim{
			ID:              claimID(c),
			SubjectEntityID: subID,
			SubjectName:     c.Subject,
			ObjectEntityID:  objID,
			ObjectName:      c.Object,
			ClaimType:       c.ClaimType,
			Status:          c.Status,
			Description:     c.Description,
			StartDate:       c.StartDate,
			EndDate:         c.EndDate,
		}
		if err := st.UpsertClaim(ctx, sc); err != nil {
			return fmt.Errorf("upserting claim about %q: %w", c.Subject, err)
		}
		if err := st.LinkClaimToTextUnit(ctx, sc.ID, textUnitID); err != nil {
			return fmt.Errorf("linking claim to text unit: %w", err)
		}
	}

	return nil
}

// claimID derives a stable identity for a claim from its content, so
// re-extracting the same claim from the same or a different chunk
// increments occurrence_count instead of creating a duplicate row.
func claimID(c Claim) string {
	h := sha256.Sum256([]byte(c.Subject + "\x00" + c.Object + "\x00" + c.ClaimType + "\x00" + c.Description))
	return hex.EncodeToString(h[:16])
}
