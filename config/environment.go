package config

import (
	"fmt"
	"os"
)

type Environment string

const (
	CI          Environment = "ci"
	Testing     Environment = "test"
	Development Environment = "dev"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// GetEnv reads ENV. Unset means dev; anything unknown panics.
func GetEnv() Environment {
	env := os.Getenv("ENV")
	switch env {
	case "ci":
		return CI
	case "test":
		return Testing
	case "dev", "":
		return Development
	case "staging":
		return Staging
	case "production":
		return Production
	default:
		panic(fmt.Sprintf("Invalid environment: %s", env))
	}
}
