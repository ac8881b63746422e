package docs

import _ "embed"

//go:embed job-api.openapi.yaml
var embeddedJobAPIOpenAPI []byte

//go:embed swagger.html
var embeddedJobAPISwaggerHTML []byte

// JobAPIOpenAPI is the OpenAPI document of the job API.
var JobAPIOpenAPI = embeddedJobAPIOpenAPI

// JobAPISwaggerHTML renders JobAPIOpenAPI with Swagger UI.
var JobAPISwaggerHTML = embeddedJobAPISwaggerHTML
