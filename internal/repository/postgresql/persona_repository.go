package postgresql

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"knock-pipeline/internal/entity"
)

func insertPersona(ctx context.Context, tx pgx.Tx, p *entity.Persona) error {
	profile, err := json.Marshal(p.Profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	const q = `
INSERT INTO personas (id, user_id, job_id, name, archetype_id, system_prompt, template_id, template_version, language, profile, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
`
	_, err = tx.Exec(ctx, q, p.ID, p.UserID, p.JobID, p.Name, p.ArchetypeID, p.SystemPrompt,
		p.TemplateID, p.TemplateVersion, p.Language, profile, p.CreatedAt)
	return err
}

func insertRoom(ctx context.Context, tx pgx.Tx, room *entity.Room) error {
	const q = `
INSERT INTO rooms (id, persona_id, user_id, image_ref, image_source, image_prompt, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`
	_, err := tx.Exec(ctx, q, room.ID, room.PersonaID, room.UserID, room.ImageRef,
		string(room.ImageSource), room.ImagePrompt, room.CreatedAt)
	return err
}
