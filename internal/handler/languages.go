package handler

import (
	"net/http"

	"github.com/sakif/code-sandbox/internal/language"
)

// LanguageInfo is the public view of a language profile.
type LanguageInfo struct {
	ID        string   `json:"id"`
	Aliases   []string `json:"aliases"`
	Extension string   `json:"extension"`
}

type LanguagesHandler struct {
	registry *language.Registry
}

func NewLanguagesHandler(registry *language.Registry) *LanguagesHandler {
	return &LanguagesHandler{registry: registry}
}

// HandleList lists the supported languages. Images are not exposed.
func (h *LanguagesHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	profiles := h.registry.List()
	out := make([]LanguageInfo, 0, len(profiles))
	for _, p := range profiles {
		aliases := p.Aliases
		if aliases == nil {
			aliases = []string{}
		}
		out = append(out, LanguageInfo{ID: p.ID, Aliases: aliases, Extension: p.Extension})
	}
	writeJSON(w, http.StatusOK, out)
}
