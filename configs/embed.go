// Package configs provides the embedded configuration template.
//
// The template is embedded at build time so `mailrag init` works in every
// distribution, source builds included. To change it, edit
// config.example.yaml and rebuild.
package configs

import _ "embed"

// ConfigTemplate is written by `mailrag init` as the starting config file.
//
//go:embed config.example.yaml
var ConfigTemplate string
