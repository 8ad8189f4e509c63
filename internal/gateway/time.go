package gateway

import (
	"os"
	"time"
)

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func envName() string {
	if v := os.Getenv("NODE_ENV"); v != "" {
		return v
	}
	if v := os.Getenv("ENV"); v != "" {
		return v
	}
	return "development"
}
