// Package data embeds the default gate policy document.
package data

import "embed"

//go:embed gatePolicy.yaml
var GatePolicy embed.FS
