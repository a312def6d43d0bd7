package logger

import (
	"os"
	"strings"
)

// Env — окружение развёртывания; от него зависят бэкенд и уровень логов по умолчанию.
type Env string

const (
	EnvDev   Env = "dev"
	EnvStage Env = "stage"
	EnvProd  Env = "prod"
)

var envAliases = map[string]Env{
	"dev":            EnvDev,
	"local":          EnvDev,
	"development":    EnvDev,
	"stage":          EnvStage,
	"staging":        EnvStage,
	"preprod":        EnvStage,
	"pre-production": EnvStage,
	"prod":           EnvProd,
	"production":     EnvProd,
}

// DetectEnv читает APP_ENV.
func DetectEnv() Env {
	return ParseEnv(os.Getenv("APP_ENV"))
}

// ParseEnv: неизвестное значение считается dev.
func ParseEnv(raw string) Env {
	if e, ok := envAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return e
	}
	return EnvDev
}

// DefaultBackend: в dev читаемый текст, на стендах JSON для сборщика логов.
func (e Env) DefaultBackend() Backend {
	if e == EnvDev || e == "" {
		return BackendStd
	}
	return BackendZap
}
