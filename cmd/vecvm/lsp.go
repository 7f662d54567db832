package main

import (
	"github.com/chazu/vecvm/manifest"
	"github.com/chazu/vecvm/server"
)

// handleLspCommand serves the assembler language server on stdio using
// the manifest's instruction set.
func handleLspCommand(m *manifest.Manifest) error {
	codec, err := m.Codec()
	if err != nil {
		return err
	}
	log.Info("serving language server on stdio")
	return server.NewLSP(codec).Run()
}
