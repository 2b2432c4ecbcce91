package story

import _ "embed"

// OpenAPI is the backend contract the service is written against.
//
//go:embed openapi.yaml
var OpenAPI []byte
