package env

import (
	"log"
	"os"
)

// Default returns the value of the environment variable or a fallback.
func Default(name, value string) string {
	if v, ok := os.LookupEnv(name); ok {
		log.Println("#", name, "=", v)
		return v
	}
	return value
}

type secret string

// Secret reads an environment variable that must not appear in logs.
func Secret(name, value string) secret {
	if v, ok := os.LookupEnv(name); ok {
		log.Println("#", name, "= ***")
		return secret(v)
	}
	return secret(value)
}

func (s secret) Secret() string { return string(s) }
func (s secret) String() string { return "***" }
