// Package tools holds host helpers used by the developer binaries, mainly
// running external commands and capturing their output.
package tools
