package assets

import _ "embed"

// OpenApiData is the OpenAPI document served by Swagger UI.
//
//go:embed openapi.yaml
var OpenApiData []byte
