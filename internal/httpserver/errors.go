package httpserver

const (
	ErrInvalidJSON   = "invalid json"
	ErrMissingID     = "missing id"
	ErrMissingTenant = "missing tenant"
	ErrDependency    = "dependency error"
	ErrNotFound      = "not found"
	ErrUnauthorized  = "unauthorized"
)
