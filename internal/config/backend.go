package config

// Backend is the persistent layer beneath environment overrides. Keys are
// the dotted names from the key table; values are stored as written by
// SetKey so the file stays hand-editable.
type Backend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	// Delete removes key so its default applies again. Missing keys are not an error.
	Delete(key string) error
}
