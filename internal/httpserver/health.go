package httpserver

import "net/http"

// HealthInfo статическая сводка конфигурации для /health.
type HealthInfo struct {
	HasKey               bool
	HasConversationStore bool
	Port                 int
	Prod                 bool
	KeyPreview           string
	Provider             string
}

type healthResponse struct {
	OK                   bool   `json:"ok"`
	HasKey               bool   `json:"hasKey"`
	HasConversationStore bool   `json:"hasConversationStore"`
	Port                 int    `json:"port"`
	Prod                 bool   `json:"prod"`
	KeyPreview           string `json:"keyPreview"`
	Provider             string `json:"provider"`
}

func healthHandler(info HealthInfo) http.HandlerFunc {
	resp := healthResponse{
		OK:                   true,
		HasKey:               info.HasKey,
		HasConversationStore: info.HasConversationStore,
		Port:                 info.Port,
		Prod:                 info.Prod,
		KeyPreview:           info.KeyPreview,
		Provider:             info.Provider,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, resp)
	}
}
