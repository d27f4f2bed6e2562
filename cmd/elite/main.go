package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/elitesignals/elite/internal/domain"
)

// Exit codes for the hosting process.
const (
	exitOK            = 0
	exitInvalidConfig = 64
	exitBadState      = 65
	exitInternal      = 70
	exitIOError       = 74
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, errInvalidConfig):
		return exitInvalidConfig
	case errors.Is(err, domain.ErrSchemaMismatch),
		errors.Is(err, domain.ErrRegistryCorruption):
		return exitBadState
	case errors.Is(err, fs.ErrPermission), errors.Is(err, fs.ErrNotExist):
		return exitIOError
	default:
		return exitInternal
	}
}
