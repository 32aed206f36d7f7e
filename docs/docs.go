// Package docs registers the OpenAPI document served under /swagger.
// Regenerate with: swag init -g cmd/api/main.go -o docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/pipeline/jobs": {
            "post": {
                "description": "Creates a processing job and dispatches it. The response does not wait for the stages.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["pipeline"],
                "summary": "Start a persona pipeline",
                "parameters": [
                    {
                        "description": "onboarding answers",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/entity.PipelineInput"}
                    }
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/service.ExecuteResult"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/pipeline/jobs/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["pipeline"],
                "summary": "Get job status with stage logs",
                "parameters": [
                    {"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/entity.JobWithLogs"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/pipeline/jobs/{id}/result": {
            "get": {
                "produces": ["application/json"],
                "tags": ["pipeline"],
                "summary": "Get the output of a completed job",
                "parameters": [
                    {"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/entity.PipelineOutput"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/pipeline/jobs/{id}/retry": {
            "post": {
                "description": "Starts a new attempt under the same job id.",
                "produces": ["application/json"],
                "tags": ["pipeline"],
                "summary": "Retry a failed job",
                "parameters": [
                    {"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/service.ExecuteResult"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/pipeline/jobs/{id}/cancel": {
            "post": {
                "description": "Marks the job failed. A stage already running finishes but its result is dropped.",
                "produces": ["application/json"],
                "tags": ["pipeline"],
                "summary": "Cancel a processing job",
                "parameters": [
                    {"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.cancelResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/users/{userId}/jobs": {
            "get": {
                "produces": ["application/json"],
                "tags": ["users"],
                "summary": "List a user's jobs",
                "parameters": [
                    {"type": "string", "description": "user id", "name": "userId", "in": "path", "required": true},
                    {"type": "string", "description": "pending|processing|completed|failed", "name": "status", "in": "query"},
                    {"type": "integer", "description": "page size (default 20, max 100)", "name": "limit", "in": "query"},
                    {"type": "integer", "description": "rows to skip", "name": "offset", "in": "query"},
                    {"type": "string", "description": "created_at|completed_at|quality_score", "name": "sort", "in": "query"},
                    {"type": "string", "description": "asc|desc (default desc)", "name": "order", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/entity.Job"}}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        }
    },
    "definitions": {
        "entity.UserData": {
            "type": "object",
            "properties": {
                "domains": {"type": "array", "items": {"type": "string"}},
                "keywords": {"type": "array", "items": {"type": "string"}},
                "interests": {"type": "array", "items": {"type": "string"}},
                "avoid_topics": {"type": "array", "items": {"type": "string"}}
            }
        },
        "entity.Preferences": {
            "type": "object",
            "properties": {
                "conversation_style": {"type": "string"},
                "response_length": {"type": "string"}
            }
        },
        "entity.PipelineInput": {
            "type": "object",
            "properties": {
                "user_id": {"type": "string"},
                "user_name": {"type": "string"},
                "user_data": {"$ref": "#/definitions/entity.UserData"},
                "preferences": {"$ref": "#/definitions/entity.Preferences"},
                "language": {"type": "string"},
                "template_id": {"type": "string"},
                "dry_run": {"type": "boolean"}
            }
        },
        "entity.Job": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "user_id": {"type": "string"},
                "status": {"type": "string", "enum": ["pending", "processing", "completed", "failed"]},
                "attempt": {"type": "integer"},
                "input": {"type": "object"},
                "output": {"type": "object"},
                "execution_time_ms": {"type": "integer"},
                "quality_score": {"type": "integer"},
                "error_message": {"type": "string"},
                "started_at": {"type": "string"},
                "completed_at": {"type": "string"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "entity.StageLog": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "job_id": {"type": "string"},
                "attempt": {"type": "integer"},
                "seq": {"type": "integer"},
                "agent_name": {"type": "string"},
                "status": {"type": "string", "enum": ["processing", "completed", "error", "skipped"]},
                "message": {"type": "string"},
                "input_data": {"type": "object"},
                "output_data": {"type": "object"},
                "execution_time_ms": {"type": "integer"},
                "created_at": {"type": "string"}
            }
        },
        "entity.JobWithLogs": {
            "allOf": [
                {"$ref": "#/definitions/entity.Job"},
                {
                    "type": "object",
                    "properties": {
                        "logs": {"type": "array", "items": {"$ref": "#/definitions/entity.StageLog"}}
                    }
                }
            ]
        },
        "entity.PipelineOutput": {
            "type": "object",
            "properties": {
                "need_vector": {"type": "object"},
                "profile": {"type": "object"},
                "prompt": {"type": "object"},
                "image_prompt": {"type": "object"},
                "asset": {"type": "object"},
                "persona_id": {"type": "string"},
                "room_id": {"type": "string"},
                "dry_run": {"type": "boolean"}
            }
        },
        "service.ExecuteResult": {
            "type": "object",
            "properties": {
                "jobId": {"type": "string"},
                "status": {"type": "string"}
            }
        },
        "httptransport.cancelResp": {
            "type": "object",
            "properties": {
                "jobId": {"type": "string"},
                "status": {"type": "string"}
            }
        },
        "httptransport.apiError": {
            "type": "object",
            "properties": {
                "message": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "knock pipeline API",
	Description:      "Persona and room generation pipeline: jobs, stage logs, retries.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
