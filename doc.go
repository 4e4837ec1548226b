// Package main provides the go-signenv CLI, which prepares and tears down an
// ephemeral code signing environment for CI builds.
//
// For the library API, see the signing subpackage:
//
//	import "github.com/aluedeke/go-signenv/pkg/signing"
//
// # Installation
//
//	go install github.com/aluedeke/go-signenv@latest
//
// # Configuration
//
// Settings come from a YAML file (--config or SIGNENV_CONFIG), then SIGNENV_*
// environment variables, then command line flags, each overriding the last.
package main
