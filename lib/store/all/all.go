// Package all imports every store backend so that they register themselves.
package all

import (
	_ "github.com/wickethq/wicket/lib/store/bbolt"
	_ "github.com/wickethq/wicket/lib/store/memory"
	_ "github.com/wickethq/wicket/lib/store/valkey"
)
