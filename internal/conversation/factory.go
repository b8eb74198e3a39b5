package conversation

import (
	"fmt"
	"net/http"
	"time"

	"chatproxy/internal/config"
)

// NewStore создаёт хранилище по настройкам. nil без ошибки означает,
// что хранилище не настроено: браузер тогда хранит диалоги локально.
func NewStore(cfg config.StoreConfig, httpClient *http.Client) (Store, error) {
	switch driver := cfg.StoreDriver(); driver {
	case "":
		return nil, nil
	case config.StoreDriverMemory:
		return NewMemoryStore(), nil
	case config.StoreDriverFile:
		return NewFileStore(cfg.Path)
	case config.StoreDriverSQLite:
		return NewSQLiteStore(cfg.Path)
	case config.StoreDriverSupabase:
		return NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey, httpClient)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
}

func parseTimestamp(value string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
