package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/pitchline/pitchline/api"
	"github.com/pitchline/pitchline/config"
	"github.com/pitchline/pitchline/memory/store"
)

// storeSet bundles the four relational store views so the postgres and
// in-memory variants wire identically.
type storeSet struct {
	knowledge  store.KnowledgeStore
	strategies store.StrategyStore
	events     store.EventStore
	outcomes   store.OutcomeStore
}

// pingerEntry defers health pinger construction until all dependencies are
// connected.
type pingerEntry struct {
	name string
	ping func(context.Context) error
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("parse qdrant address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("parse qdrant port %q: %w", portStr, err)
	}
	return host, port, nil
}

// secretOrDev returns the configured signing secret, or a fixed development
// key outside production. Production requires SECRET_KEY; config.Load
// already enforces that.
func secretOrDev(cfg config.Settings) string {
	if cfg.SecretKey != "" {
		return cfg.SecretKey
	}
	return "pitchline-dev-secret"
}

// usersFromEnv builds the static credential table for the token endpoint.
func usersFromEnv() map[string]api.User {
	username := os.Getenv("ADMIN_USERNAME")
	if username == "" {
		return nil
	}
	return map[string]api.User{
		username: {
			Password: os.Getenv("ADMIN_PASSWORD"),
			TenantID: os.Getenv("ADMIN_TENANT_ID"),
		},
	}
}
