// Package main is the entry point for the agent sandbox server. It reads
// configuration from the environment, builds the docker platform, and starts
// the HTTP facade. All actual logic lives in the internal packages.
package main

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/sakif/agent-sandbox/internal/platform/docker"
	"github.com/sakif/agent-sandbox/internal/server"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	port := 8080
	if portStr := os.Getenv("PORT"); portStr != "" {
		var err error
		port, err = strconv.Atoi(portStr)
		if err != nil {
			logger.Error("invalid PORT value", slog.String("value", portStr))
			os.Exit(1)
		}
	}

	dockerCfg := docker.DefaultConfig()
	if image := os.Getenv("SANDBOX_IMAGE"); image != "" {
		dockerCfg.Image = image
	}
	if serversPath := os.Getenv("SERVERS_VOLUME"); serversPath != "" {
		dockerCfg.ServersHostPath = serversPath
	}
	if poolStr := os.Getenv("POOL_SIZE"); poolStr != "" {
		size, err := strconv.Atoi(poolStr)
		if err != nil || size < 0 {
			logger.Error("invalid POOL_SIZE value", slog.String("value", poolStr))
			os.Exit(1)
		}
		dockerCfg.PoolSize = size
	}

	platform, err := docker.New(dockerCfg, logger)
	if err != nil {
		logger.Error("failed to create docker platform", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer platform.Close()

	// JWT_SECRET must be a long random string, e.g. $(openssl rand -hex 32).
	// If unset, the API accepts unauthenticated requests.
	jwtSecret := os.Getenv("JWT_SECRET")

	cfg := server.Config{
		Port:        port,
		JWTSecret:   jwtSecret,
		ModulesPath: dockerCfg.ModulesMount,
	}

	srv, err := server.New(cfg, logger, platform)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
