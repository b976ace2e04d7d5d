package survey

import (
	"errors"
	"strings"
	"time"
)

type Language string

const (
	LanguageEnglish   Language = "English"
	LanguageArabic    Language = "Arabic"
	LanguageBilingual Language = "Bilingual"
)

func (l Language) Valid() bool {
	switch l {
	case LanguageEnglish, LanguageArabic, LanguageBilingual:
		return true
	}
	return false
}

type CollectionMode string

const (
	CollectionField CollectionMode = "field"
	CollectionWeb   CollectionMode = "web"
)

func (m CollectionMode) Valid() bool {
	return m == CollectionField || m == CollectionWeb
}

type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusCompleted:
		return true
	}
	return false
}

// Survey is the persisted survey record.
type Survey struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Language       Language       `json:"language"`
	CollectionMode CollectionMode `json:"collectionMode"`
	Status         Status         `json:"status"`
	Structure      *Structure     `json:"structure,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// NewSurvey is the create input collected at the first wizard step.
type NewSurvey struct {
	Name           string         `json:"name"`
	Language       Language       `json:"language"`
	CollectionMode CollectionMode `json:"collectionMode"`
	Status         Status         `json:"status,omitempty"`
}

var (
	ErrNameRequired          = errors.New("name is required")
	ErrInvalidLanguage       = errors.New("language must be English, Arabic or Bilingual")
	ErrInvalidCollectionMode = errors.New("collectionMode must be field or web")
	ErrInvalidStatus         = errors.New("status must be draft, active or completed")
)

// Normalize trims the name and applies defaults (English, web, draft).
func (n NewSurvey) Normalize() NewSurvey {
	n.Name = strings.TrimSpace(n.Name)
	if n.Language == "" {
		n.Language = LanguageEnglish
	}
	if n.CollectionMode == "" {
		n.CollectionMode = CollectionWeb
	}
	if n.Status == "" {
		n.Status = StatusDraft
	}
	return n
}

func (n NewSurvey) Validate() error {
	if strings.TrimSpace(n.Name) == "" {
		return ErrNameRequired
	}
	if !n.Language.Valid() {
		return ErrInvalidLanguage
	}
	if !n.CollectionMode.Valid() {
		return ErrInvalidCollectionMode
	}
	if !n.Status.Valid() {
		return ErrInvalidStatus
	}
	return nil
}

// Patch is a partial update; nil fields are left untouched.
type Patch struct {
	Name           *string         `json:"name,omitempty"`
	Language       *Language       `json:"language,omitempty"`
	CollectionMode *CollectionMode `json:"collectionMode,omitempty"`
	Status         *Status         `json:"status,omitempty"`
	Structure      *Structure      `json:"structure,omitempty"`
}

// Apply copies the non-nil patch fields onto s and stamps UpdatedAt.
func (p Patch) Apply(s *Survey, now time.Time) {
	if p.Name != nil {
		s.Name = strings.TrimSpace(*p.Name)
	}
	if p.Language != nil {
		s.Language = *p.Language
	}
	if p.CollectionMode != nil {
		s.CollectionMode = *p.CollectionMode
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.Structure != nil {
		cp := p.Structure.Clone()
		s.Structure = &cp
	}
	s.UpdatedAt = now
}

func (p Patch) Validate() error {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return ErrNameRequired
	}
	if p.Language != nil && !p.Language.Valid() {
		return ErrInvalidLanguage
	}
	if p.CollectionMode != nil && !p.CollectionMode.Valid() {
		return ErrInvalidCollectionMode
	}
	if p.Status != nil && !p.Status.Valid() {
		return ErrInvalidStatus
	}
	if p.Structure != nil {
		return p.Structure.Validate()
	}
	return nil
}
