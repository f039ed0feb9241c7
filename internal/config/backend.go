package config

// ConfigBackend abstracts platform-specific config storage. On macOS the
// relayfeed keys live in UserDefaults, elsewhere in an XDG JSON file. Keys
// listed in renamedKeys are migrated when a backend is opened.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetBool(key string) (val bool, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetBool(key string, val bool) error
	Delete(key string) error
}
