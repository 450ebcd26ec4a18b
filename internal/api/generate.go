package api

//go:generate go tool oapi-codegen -config ../../api/cfg.yaml ../../api/openapi.yaml
