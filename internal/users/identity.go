package users

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
)

// Identity maps a provider login onto the canonical user id and carries the
// profile collaborators see next to that user's cursor.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	AvatarURL   string    `gorm:"column:user_avatar_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// profile projects the stored identity onto the collaborator-facing profile.
// An empty display name falls back to the user id.
func (i Identity) profile() (Profile, error) {
	userID, err := notes.NewUserID(i.UserID)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	profile := Profile{
		UserID:      userID,
		DisplayName: i.DisplayName,
		AvatarURL:   i.AvatarURL,
	}
	if profile.DisplayName == "" {
		profile.DisplayName = userID.String()
	}
	return profile, nil
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
